// Command issuetoken mints a bearer token for a chat identity, signed with
// JWT_SECRET, for local development and manual testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/resonance/internal/auth"
	"github.com/Tyrowin/resonance/internal/chat"
	"github.com/Tyrowin/resonance/internal/logging"
)

func main() {
	var (
		id     = flag.String("id", "", "identity id (token subject)")
		name   = flag.String("name", "", "display name")
		color  = flag.String("color", auth.DefaultColor, "display colour")
		avatar = flag.String("avatar", "", "avatar reference")
		ttl    = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	defer func() { _ = logger.Sync() }()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Fatal("JWT_SECRET must be set")
	}
	if *id == "" {
		flag.Usage()
		os.Exit(2)
	}

	opts := auth.DefaultOptions([]byte(secret))
	if alg := os.Getenv("JWT_ALGORITHM"); alg != "" {
		opts.Algorithm = alg
	}
	opts.Issuer = os.Getenv("JWT_ISSUER")
	opts.TTL = *ttl

	issuer, err := auth.NewIssuer(opts)
	if err != nil {
		logger.Fatal("invalid signing options", zap.Error(err))
	}

	token, expires, err := issuer.Issue(chat.Identity{
		ID:          *id,
		DisplayName: *name,
		Color:       *color,
		AvatarRef:   *avatar,
	})
	if err != nil {
		logger.Fatal("issue token", zap.Error(err))
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
}
