package userdata

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// Config is the userdata setup, read from the configuration file and
// optionally overridden from the command line. The file is line-based:
// one `key = value` per line, `#` starts a comment, and `game-port` may
// be given more than once.
type Config struct {
	DataURL         string // data-url: userdata URL players connect to
	DataWebsocket   string // data-websocket: userdata URL the game connects to
	Game            string // game: game account name on the userdata
	Login           string // login: login name for the game account
	Password        string // password: password for the game account
	GameURL         string // game-url: where players reach this game
	GamePorts       []string
	DefaultUserdata string // default-userdata: empty means locally managed
	AllowLocal      bool   // allow locally managed players
	NoAllowOther    bool   // disallow non-default userdata servers
	AllowNewPlayers bool   // allow registering new locally managed players
}

// ParseBool reads the config file's boolean syntax: 0/1/true/false,
// case-insensitive.
func ParseBool(src string) (bool, error) {
	switch strings.ToLower(src) {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool value %q", src)
}

// LoadConfig reads the userdata configuration file at path. A missing
// file is an error; a caller that is about to generate the file should
// not load it first.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("userdata configuration: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			log.Printf("ignoring invalid line in userdata config: %s", line)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var boolErr error
		switch key {
		case "data-url":
			cfg.DataURL = value
		case "data-websocket":
			cfg.DataWebsocket = value
		case "game":
			cfg.Game = value
		case "login":
			cfg.Login = value
		case "password":
			cfg.Password = value
		case "game-url":
			cfg.GameURL = value
		case "game-port":
			cfg.GamePorts = append(cfg.GamePorts, value)
		case "default-userdata":
			cfg.DefaultUserdata = value
		case "allow-local":
			cfg.AllowLocal, boolErr = ParseBool(value)
		case "no-allow-others":
			cfg.NoAllowOther, boolErr = ParseBool(value)
		case "allow-new-players":
			cfg.AllowNewPlayers, boolErr = ParseBool(value)
		default:
			log.Printf("ignoring unknown key %q in userdata config", key)
		}
		if boolErr != nil {
			return cfg, fmt.Errorf("userdata configuration: key %q: %w", key, boolErr)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("userdata configuration: %w", err)
	}

	return cfg, nil
}

// ApplyFlags overrides file values with command-line flags, but only for
// flags the user actually supplied; flag defaults never clobber the file.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) {
	set := func(name string, apply func(f *pflag.Flag)) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			apply(f)
		}
	}

	set("default-userdata", func(f *pflag.Flag) { c.DefaultUserdata = f.Value.String() })
	set("allow-local", func(f *pflag.Flag) { c.AllowLocal, _ = fs.GetBool("allow-local") })
	set("no-allow-other", func(f *pflag.Flag) { c.NoAllowOther, _ = fs.GetBool("no-allow-other") })
	set("allow-new-players", func(f *pflag.Flag) { c.AllowNewPlayers, _ = fs.GetBool("allow-new-players") })
}

// Validate checks policy coherence. With no default userdata, players
// can only log in locally, so allow-local must be on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DefaultUserdata) == "" && !c.AllowLocal {
		return errors.New("empty default-userdata requires allow-local")
	}
	if c.DataWebsocket == "" {
		return errors.New("data-websocket must be configured")
	}
	return nil
}

// ListenPorts returns the configured game ports, falling back to the
// port of game-url when none were given.
func (c *Config) ListenPorts() []string {
	if len(c.GamePorts) > 0 {
		return c.GamePorts
	}

	u, err := url.Parse(c.GameURL)
	if err != nil {
		return nil
	}
	if port := u.Port(); port != "" {
		return []string{port}
	}
	switch u.Scheme {
	case "https", "wss":
		return []string{"443"}
	case "http", "ws":
		return []string{"80"}
	}
	return nil
}

// GenerateConfig interactively prompts for the userdata settings and
// writes them to path. Values from an existing file are offered as
// defaults; empty replies keep them.
func GenerateConfig(path string, in io.Reader, out io.Writer) error {
	cfg, err := LoadConfig(path)
	if err == nil {
		fmt.Fprintln(out, "Userdata configuration found, so updating.")
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	scanner := bufio.NewScanner(in)
	prompt := func(label string, current *string) {
		if *current != "" {
			fmt.Fprintf(out, "%s. Default: %s\n", label, *current)
		} else {
			fmt.Fprintf(out, "%s.\n", label)
		}
		if scanner.Scan() {
			if reply := strings.TrimSpace(scanner.Text()); reply != "" {
				*current = reply
			}
		}
	}
	promptBool := func(label string, current *bool) {
		fmt.Fprintf(out, "%s (0/1). Default: %t\n", label, *current)
		if scanner.Scan() {
			if reply := strings.TrimSpace(scanner.Text()); reply != "" {
				if value, err := ParseBool(reply); err == nil {
					*current = value
				} else {
					fmt.Fprintf(out, "Keeping %t: %v\n", *current, err)
				}
			}
		}
	}

	fmt.Fprintf(out, "Generating userdata configuration in %s\n", path)
	if cfg.DataURL == "" {
		cfg.DataURL = "http://localhost:8879"
	}
	prompt("Enter URL of userdata for players to connect to", &cfg.DataURL)
	if cfg.DataWebsocket == "" {
		cfg.DataWebsocket = cfg.DataURL + "/websocket"
	}
	prompt("Enter URL of userdata websocket for game to connect to", &cfg.DataWebsocket)
	prompt("Enter login name on userdata", &cfg.Login)
	prompt("Enter game name on userdata", &cfg.Game)
	if cfg.Password == "" {
		cfg.Password = newToken()
		fmt.Fprintln(out, "Generated a new game password.")
	}
	prompt("Enter game password", &cfg.Password)
	prompt("Enter game URL for players", &cfg.GameURL)
	prompt("Enter default userdata for players (empty for locally managed)", &cfg.DefaultUserdata)
	promptBool("Allow locally managed players", &cfg.AllowLocal)
	promptBool("Disallow other userdata servers", &cfg.NoAllowOther)
	promptBool("Allow registering new locally managed players", &cfg.AllowNewPlayers)
	if err := scanner.Err(); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Userdata configuration, generated by --userdata-setup.\n")
	fmt.Fprintf(&b, "data-url = %s\n", cfg.DataURL)
	fmt.Fprintf(&b, "data-websocket = %s\n", cfg.DataWebsocket)
	fmt.Fprintf(&b, "game = %s\n", cfg.Game)
	fmt.Fprintf(&b, "login = %s\n", cfg.Login)
	fmt.Fprintf(&b, "password = %s\n", cfg.Password)
	fmt.Fprintf(&b, "game-url = %s\n", cfg.GameURL)
	for _, port := range cfg.GamePorts {
		fmt.Fprintf(&b, "game-port = %s\n", port)
	}
	fmt.Fprintf(&b, "default-userdata = %s\n", cfg.DefaultUserdata)
	fmt.Fprintf(&b, "allow-local = %t\n", cfg.AllowLocal)
	fmt.Fprintf(&b, "no-allow-others = %t\n", cfg.NoAllowOther)
	fmt.Fprintf(&b, "allow-new-players = %t\n", cfg.AllowNewPlayers)

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", path)

	return nil
}
