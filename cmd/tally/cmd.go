package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hexrift/userdata"
)

func newCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var (
		userdataFile  string
		userdataSetup bool
		verbose       bool
		profile       bool
	)

	cmd := &cobra.Command{
		Use:           "tally",
		Short:         "A minimal game server that keeps a per-player tally in a userdata service.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userdataSetup {
				return userdata.GenerateConfig(userdataFile, os.Stdin, os.Stdout)
			}

			cfg, err := userdata.LoadConfig(userdataFile)
			if err != nil {
				return err
			}
			cfg.ApplyFlags(cmd.Flags())

			u, err := userdata.New(cmd.Context(), cfg, userdata.Options{
				NewPlayer:    newTallyPlayer,
				PlayerConfig: map[string]any{"tally": []any{"count"}},
				Verbose:      verbose,
				Profile:      profile,
			})
			if err != nil {
				return err
			}
			defer u.Close()

			return u.Serve(cmd.Context())
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&userdataFile, "userdata", "userdata.ini", "name of file containing userdata url, login name, game name and password (env: TALLY_USERDATA)")
	fs.String("default-userdata", "", "default server for players to connect to (empty string for locally managed) (env: TALLY_DEFAULT_USERDATA)")
	fs.Bool("allow-local", false, "allow locally managed players (env: TALLY_ALLOW_LOCAL)")
	fs.Bool("no-allow-other", false, "do not allow a non-default userdata server (env: TALLY_NO_ALLOW_OTHER)")
	fs.Bool("allow-new-players", false, "allow registering new locally managed players (env: TALLY_ALLOW_NEW_PLAYERS)")
	fs.BoolVar(&userdataSetup, "userdata-setup", false, "set up the userdata configuration and exit (env: TALLY_USERDATA_SETUP)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "display additional output (env: TALLY_VERBOSE)")
	fs.BoolVar(&profile, "profile", false, "register net/http/pprof handlers (env: TALLY_PROFILE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("tally v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
