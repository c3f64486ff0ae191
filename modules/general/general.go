// Package general is the everyday command set: small utilities plus the
// owner-facing maintenance commands.
package general

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nekobot/nekobot/bot"
	"github.com/nekobot/nekobot/bot/command"
	"github.com/nekobot/nekobot/cache"
)

// languages the setlang command accepts.
var languages = map[string]bool{
	"english": true,
	"spanish": true,
	"french":  true,
	"german":  true,
	"russian": true,
	"weeb":    true,
}

// Module returns the general command module.
func Module() command.Module {
	return command.Module{
		Name: "general",
		Build: func(env command.Env) ([]*command.Descriptor, error) {
			m := module{env: env}

			return []*command.Descriptor{
				m.choose(),
				m.cookie(),
				m.setlang(),
				m.setprefix(),
				m.info(),
				m.shutdown(),
			}, nil
		},
	}
}

type module struct {
	env command.Env
}

func (m module) choose() *command.Descriptor {
	return &command.Descriptor{
		Name:        "choose",
		Description: "Picks one of the given options for you.",
		Usage:       "<option> <option> ...",
		Cooldown:    command.PerUser(3 * time.Second),
		Run: func(_ context.Context, inv *command.Invocation) (*command.Reply, error) {
			if len(inv.Args) < 2 {
				return nil, &bot.UsageError{
					Command: "choose",
					Hint:    "give at least two options",
				}
			}

			pick := inv.Args[rand.Intn(len(inv.Args))]
			return &command.Reply{Content: "I choose **" + pick + "**!"}, nil
		},
	}
}

func (m module) cookie() *command.Descriptor {
	return &command.Descriptor{
		Name:        "cookie",
		Description: "Gives you a cookie.",
		Cooldown:    command.PerUser(5 * time.Second),
		Run: func(ctx context.Context, inv *command.Invocation) (*command.Reply, error) {
			n, err := m.env.Cache.IncrUserCounter(ctx, inv.AuthorID, "cookies")
			if err != nil {
				return nil, errors.Wrap(err, "failed to count cookies")
			}

			if n == 0 {
				// Store is down; the cookie is still handed out.
				return &command.Reply{Content: ":cookie: Nom nom!"}, nil
			}
			return &command.Reply{
				Content: fmt.Sprintf(":cookie: Nom nom! You have eaten %d cookies.", n),
			}, nil
		},
	}
}

func (m module) setlang() *command.Descriptor {
	return &command.Descriptor{
		Name:        "setlang",
		Description: "Sets your preferred language.",
		Usage:       "<language>",
		Run: func(ctx context.Context, inv *command.Invocation) (*command.Reply, error) {
			if len(inv.Args) != 1 {
				return nil, &bot.UsageError{Command: "setlang", Hint: "give one language"}
			}

			lang := strings.ToLower(inv.Args[0])
			if !languages[lang] {
				return nil, &bot.UsageError{
					Command: "setlang",
					Hint:    "supported languages: " + languageList(),
				}
			}

			switch err := m.env.Cache.SetLang(ctx, inv.AuthorID, lang); {
			case errors.Is(err, cache.ErrUnavailable):
				return &command.Reply{
					Content: "Settings are unavailable right now, try again later.",
				}, nil
			case err != nil:
				return nil, err
			}

			return &command.Reply{Content: "Language set to **" + lang + "**."}, nil
		},
	}
}

func (m module) setprefix() *command.Descriptor {
	return &command.Descriptor{
		Name:        "setprefix",
		Description: "Sets your personal command prefix. The default prefixes keep working.",
		Usage:       "<prefix>",
		Run: func(ctx context.Context, inv *command.Invocation) (*command.Reply, error) {
			if len(inv.Args) != 1 {
				return nil, &bot.UsageError{Command: "setprefix", Hint: "give one prefix"}
			}

			prefix := inv.Args[0]
			if len(prefix) > 10 {
				return nil, &bot.UsageError{
					Command: "setprefix",
					Hint:    "prefixes are at most 10 characters",
				}
			}

			switch err := m.env.Cache.SetPrefix(ctx, inv.AuthorID, prefix); {
			case errors.Is(err, cache.ErrUnavailable):
				return &command.Reply{
					Content: "Settings are unavailable right now, try again later.",
				}, nil
			case err != nil:
				return nil, err
			}

			return &command.Reply{Content: "Prefix set to `" + prefix + "`."}, nil
		},
	}
}

func (m module) info() *command.Descriptor {
	return &command.Descriptor{
		Name:        "info",
		Aliases:     []string{"stats"},
		Description: "Shows this instance's runtime statistics.",
		Run: func(_ context.Context, _ *command.Invocation) (*command.Reply, error) {
			uptime := time.Since(m.env.StartTime).Round(time.Second)

			return &command.Reply{
				Embed: &command.Embed{
					Title: fmt.Sprintf("Instance %d", m.env.Instance),
					Description: fmt.Sprintf(
						"Uptime: %s\nMessages read: %d\nCommands used: %d",
						uptime,
						m.env.Usage.Count(bot.CounterMessagesRead),
						m.env.Usage.Count(bot.CounterCommandsUsed)),
				},
			}, nil
		},
	}
}

func (m module) shutdown() *command.Descriptor {
	return &command.Descriptor{
		Name:        "shutdown",
		Description: "Shuts this instance down gracefully.",
		Hidden:      true,
		Guards:      []command.Guard{command.OwnerOnly(m.env.OwnerID)},
		// One shutdown at a time, even if aliased later.
		MutexKey: "maintenance",
		Run: func(_ context.Context, _ *command.Invocation) (*command.Reply, error) {
			if m.env.Shutdown != nil {
				m.env.Shutdown()
			}
			return &command.Reply{Content: "Shutting down."}, nil
		},
	}
}

func languageList() string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
