package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/service"
)

// Issues a signed examinee or proctor token for local testing and for
// identity providers that cannot sign tokens themselves.
func main() {
	var promptSecret bool
	flag.BoolVar(&promptSecret, "prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Access Token ===")

	// Secret
	if promptSecret {
		fmt.Print("Enter Signing Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after secret input
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		if len(secret) < 16 {
			fmt.Println("Error: Secret must be at least 16 characters")
			return
		}
		cfg.JWTSecret = string(secret)
	}

	// Token type
	fmt.Print("Token Type [examinee/proctor] (default examinee): ")
	typ := readLine(reader)
	tokenType := service.TokenTypeExaminee
	if typ != "" {
		tokenType = service.TokenType(typ)
	}

	// Subject
	fmt.Print("Enter Subject ID: ")
	subject := readLine(reader)
	if subject == "" {
		fmt.Println("Error: Subject ID is required")
		return
	}

	// Name
	fmt.Print("Enter Display Name (optional): ")
	name := readLine(reader)

	// TTL
	fmt.Printf("Validity in hours (default %d): ", int(cfg.JWTExpiry.Hours()))
	ttl := cfg.JWTExpiry
	if raw := readLine(reader); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h <= 0 {
			fmt.Println("Error: Validity must be a positive number of hours")
			return
		}
		ttl = time.Duration(h) * time.Hour
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	token, err := authService.GenerateToken(tokenType, subject, name, ttl)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	fmt.Printf("\nSuccess! %s token for '%s' (expires %s):\n%s\n",
		tokenType, subject, time.Now().Add(ttl).Format(time.RFC3339), token)
}

func readLine(r *bufio.Reader) string {
	s, _ := r.ReadString('\n')
	return strings.TrimSpace(s)
}
