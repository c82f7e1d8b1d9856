package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

// issue-token mints a session token for a user and registers it as their
// only active session. The token is printed on stdout; logs go to stderr.
func main() {
	userID := flag.Int("user", 0, "User ID the token is issued for")
	role := flag.String("role", string(model.RoleStudent), "Role: student or teacher")
	promptSecret := flag.Bool("prompt-secret", false, "Read the JWT signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	reader := bufio.NewReader(os.Stdin)

	if *userID <= 0 {
		if !interactive {
			fmt.Fprintln(os.Stderr, "Error: -user is required")
			os.Exit(2)
		}
		fmt.Fprint(os.Stderr, "Enter User ID: ")
		line, _ := reader.ReadString('\n')
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n <= 0 {
			fmt.Fprintln(os.Stderr, "Error: User ID must be a positive number")
			os.Exit(2)
		}
		*userID = n
	}

	r := model.Role(strings.ToLower(*role))
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", *role)
		os.Exit(2)
	}

	if *promptSecret {
		if !interactive {
			fmt.Fprintln(os.Stderr, "Error: -prompt-secret needs a terminal")
			os.Exit(2)
		}
		fmt.Fprint(os.Stderr, "Enter JWT secret: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil || len(secret) == 0 {
			fmt.Fprintln(os.Stderr, "Error reading secret")
			os.Exit(2)
		}
		cfg.JWTSecret = string(secret)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	token, err := service.NewAuthService(cfg, rdb).GenerateToken(ctx, *userID, r)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	log.Info().
		Int("user_id", *userID).
		Str("role", string(r)).
		Dur("expires_in", cfg.JWTExpiry).
		Msg("Token issued, previous sessions revoked")
	fmt.Println(token)
}
