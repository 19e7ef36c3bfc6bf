package commands

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vitaminmoo/smp-tool/internal/config"
)

// ConfigInit writes a default config file to path.
func ConfigInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Write(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// ConfigShow prints the effective configuration.
func ConfigShow(cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
