package cmds

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/widgetchat/pkg/config"
	"github.com/go-go-golems/widgetchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

// App carries the settings shared by every subcommand. Init loads them before a subcommand runs.
type App struct {
	ConfigPath string
	LogLevel   string

	Settings *config.Settings
}

func (a *App) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&a.ConfigPath, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&a.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}

func (a *App) Init(cmd *cobra.Command) error {
	s, err := config.Load(a.ConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		s.LogLevel = a.LogLevel
		if err := s.Validate(); err != nil {
			return err
		}
	}
	a.Settings = s
	SetupLogging(os.Stderr, s.Level())
	log.Debug().Str("config", a.ConfigPath).Msg("settings loaded")
	return nil
}

// SetupLogging installs a console writer when w is a terminal and JSON lines otherwise.
func SetupLogging(w io.Writer, level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// OpenSessionStore opens the configured key-value backend and wraps it in a SessionStore. The
// returned closer releases the backend.
func (a *App) OpenSessionStore(ctx context.Context) (*widgetchat.SessionStore, io.Closer, error) {
	st := a.Settings.Store
	if strings.EqualFold(string(st.Backend), string(kvstore.BackendSQLite)) {
		if err := os.MkdirAll(filepath.Dir(st.SQLitePath), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "create session store directory")
		}
	}
	kv, err := kvstore.Open(ctx, st.Settings)
	if err != nil {
		return nil, nil, err
	}
	var opts []widgetchat.SessionStoreOption
	if st.Key != "" {
		opts = append(opts, widgetchat.WithStorageKey(st.Key))
	}
	if st.TTL > 0 {
		opts = append(opts, widgetchat.WithSessionTTL(st.TTL))
	}
	return widgetchat.NewSessionStore(kv, opts...), kv, nil
}
