package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// Load fills c from the YAML config file, the environment and args, in
// increasing order of precedence, then applies defaults. A missing config
// file is not an error.
func (c *ServerConfig) Load(fs *flag.FlagSet, args []string) error {
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := c.ConfigFile
	if path == "" {
		path = GetEnv("CONFIG_FILE", DefaultConfigPath("server.yaml"))
	}

	*c = ServerConfig{}
	if err := c.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	c.ApplyEnv()
	// Flags are bound to c's fields, so parsing again restores them on top.
	if err := fs.Parse(args); err != nil {
		return err
	}
	c.ConfigFile = path
	c.SetDefaults()
	return nil
}
