// Command demo runs the session manager interactively against either the
// hosted auth service (when configured through the environment) or the local
// fallback backend.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/ybdn/WhatWeWatch/identity"
	"github.com/ybdn/WhatWeWatch/identity/local"
	"github.com/ybdn/WhatWeWatch/identity/remote"
	"github.com/ybdn/WhatWeWatch/internal/config"
	"github.com/ybdn/WhatWeWatch/password"
	"github.com/ybdn/WhatWeWatch/profile"
	"github.com/ybdn/WhatWeWatch/profile/fsrepo"
	"github.com/ybdn/WhatWeWatch/profile/rest"
	"github.com/ybdn/WhatWeWatch/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	c := config.New()
	displayAppname(c.GetAppName())

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	backend, profiles, err := buildStack(c, log)
	if err != nil {
		return err
	}

	manager, err := session.New(backend, profiles,
		session.WithLogger(log),
		session.WithRedirectURL(c.GetRedirectURL()),
	)
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx := context.Background()
	if err := manager.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("bootstrap failed")
	}

	manager.Subscribe(func(s session.Snapshot) {
		printSnapshot(s)
	})

	return repl(ctx, manager)
}

func buildStack(c config.Config, log zerolog.Logger) (identity.Backend, profile.Store, error) {
	if c.RemoteConfigured() {
		log.Info().Str("url", c.GetAuthURL()).Msg("using remote identity provider")
		backend, err := remote.NewClient(c.GetAuthURL(), c.GetAuthAnonKey(),
			remote.WithFunctionsURL(c.GetFunctionsURL()),
			remote.WithLogger(log),
		)
		if err != nil {
			return nil, nil, err
		}
		profiles, err := rest.NewStore(c.GetAuthURL(), c.GetAuthAnonKey(), func() string {
			s, _ := backend.GetSession(context.Background())
			if s == nil {
				return ""
			}
			return s.AccessToken
		})
		if err != nil {
			return nil, nil, err
		}
		return backend, profiles, nil
	}

	log.Info().Str("folder", c.GetDataFolder()).Msg("no provider configured, using local fallback")
	backend, err := local.NewBackend(c.GetDataFolder())
	if err != nil {
		return nil, nil, err
	}
	profiles, err := fsrepo.NewStore(c.GetDataFolder())
	if err != nil {
		return nil, nil, err
	}
	return backend, profiles, nil
}

func repl(ctx context.Context, manager *session.Manager) error {
	fmt.Println("commands: signin <email> <pw> | signup <email> <pw> | code <totp> | whoami | screen | hints <pw> | signout | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); scanner.Scan(); fmt.Print("> ") {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "signin":
			if len(fields) == 3 {
				err = manager.SignIn(ctx, fields[1], fields[2])
			}
		case "signup":
			if len(fields) == 3 {
				err = manager.SignUp(ctx, fields[1], fields[2])
				if err == nil {
					manager.StartConfirmationPolling(ctx)
				}
			}
		case "code":
			if len(fields) == 2 {
				err = manager.CompleteMFAChallenge(ctx, fields[1])
			}
		case "whoami":
			printSnapshot(manager.Snapshot())
		case "screen":
			fmt.Printf("required screen: %q\n", manager.RequiredScreen())
		case "hints":
			if len(fields) == 2 {
				fmt.Printf("score %d/4, hints: %s\n",
					password.Score(fields[1]), strings.Join(password.Hints(fields[1]), ", "))
			}
		case "signout":
			err = manager.SignOut(ctx)
		case "quit":
			return nil
		default:
			fmt.Println("unknown command")
		}

		if err != nil {
			fmt.Println(identity.UserMessage(err))
		}
	}
	return scanner.Err()
}

func printSnapshot(s session.Snapshot) {
	switch {
	case s.Loading:
		fmt.Println("[loading]")
	case s.MFAPending != nil:
		fmt.Printf("[mfa pending for %s, enter your code]\n", s.MFAPending.Email)
	case s.User == nil:
		fmt.Println("[anonymous]")
	default:
		name := "(no profile)"
		if s.Profile.Complete() {
			name = *s.Profile.DisplayName
		}
		fmt.Printf("[%s confirmed=%t profile=%s]\n", s.User.Email, s.User.EmailConfirmed, name)
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
