package main

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/4xmen/jashn/pkg/config"
)

// bindFlags exposes cobra flags under config keys so flags override the
// environment. Subcommands share keys, so only the running command binds.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return errors.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind %s", flag)
		}
	}
	return nil
}

func newRootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:           "jashn",
		Short:         "Festival meetup chat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("log-format")
			return setupLogging(os.Stderr, v.GetString("LOG_LEVEL"), format)
		},
	}
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text or json)")
	if err := v.BindPFlag("LOG_LEVEL", root.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}

	root.AddCommand(newServeCmd(v), newChatCmd(v), newStatusCmd(v))

	return wrapErrors(root)
}

// wrapErrors logs the error a command returns so SilenceErrors does not hide it.
func wrapErrors(root *cobra.Command) *cobra.Command {
	for _, cmd := range root.Commands() {
		if cmd.RunE == nil {
			continue
		}
		run := cmd.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if err != nil {
				log.WithError(err).Errorf("%s failed", cmd.Name())
			}
			return err
		}
	}
	return root
}

func setupLogging(out io.Writer, level, format string) error {
	log.SetOutput(out)

	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("invalid log format %q", format)
	}
	return nil
}
