// Command gen-token prints HS256 access tokens accepted by the gateway when it
// runs with JWT_SECRET.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

type tokenOptions struct {
	role     string
	projects []string
	audience string
	issuer   string
	ttl      time.Duration
}

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "load-user", "prefix for generated user IDs when count > 1")
		start    = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		role     = flag.String("role", "developer", "role claim")
		projects = flag.String("projects", "", "comma separated project ids")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	opts := tokenOptions{
		role:     *role,
		audience: os.Getenv("JWT_AUDIENCE"),
		issuer:   os.Getenv("JWT_ISSUER"),
		ttl:      *ttl,
	}
	if *projects != "" {
		opts.projects = strings.Split(*projects, ",")
	}

	tokens, err := generateTokens([]byte(os.Getenv("JWT_SECRET")), *count, *prefix, *start, args, opts)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func signToken(secret []byte, userID string, opts tokenOptions) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("JWT_SECRET must be set")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": opts.role,
		"type": "access",
		"iat":  now.Unix(),
		"exp":  now.Add(opts.ttl).Unix(),
	}
	if len(opts.projects) > 0 {
		claims["projects"] = opts.projects
	}
	if opts.audience != "" {
		claims["aud"] = opts.audience
	}
	if opts.issuer != "" {
		claims["iss"] = opts.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func generateTokens(secret []byte, count int, prefix string, start int, args []string, opts tokenOptions) ([]string, error) {
	tokens := make([]string, count)
	for i := 0; i < count; i++ {
		var userID string
		switch {
		case len(args) > 0:
			userID = args[0]
		case count == 1:
			userID = prefix
		default:
			userID = fmt.Sprintf("%s-%d", prefix, start+i)
		}
		tok, err := signToken(secret, userID, opts)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.ConfigStd.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
