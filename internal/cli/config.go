package cli

import "context"

// Represents the 'packd config' command.
type ConfigCmd struct{}

// Executes the config command. Prints the configuration after defaults, the
// config file, and environment overrides have been applied.
func (c *ConfigCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}
