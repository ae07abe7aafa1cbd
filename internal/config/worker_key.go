package config

type WorkerKeyStruct struct {
	PersistSessionsQueue string
	// DeadLetterQueue holds snapshots that could not be decoded.
	DeadLetterQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSessionsQueue: "persist_sessions_queue",
	DeadLetterQueue:      "persist_sessions_dead_letter",
}
