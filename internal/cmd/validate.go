package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"labelsync/pkg/labels"
)

var validateCmd = &cobra.Command{
	Use:   "validate <labels.yml>",
	Short: "Validate a label configuration file",
	Long: `Validate a label configuration file offline.

Checks performed for every repository entry:
• The key is a repository name in owner/name form
• Every color is a hex value or a CSS color name
• Every sibling is declared in the same repository
• Every hook is one of webhook, slack, pr-merge or pr-close

Examples:
  labelsync validate labels.yml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := args[0]

	fmt.Fprintf(out, "🔍 Validating configuration file: %s\n", configFile)

	config, configErrors, err := labels.LoadConfigurationFromFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	for _, name := range config.Repositories() {
		if err := config[name].Validate(name); err != nil {
			configErrors = append(configErrors, asConfigurationError(name, err))
			continue
		}
		fmt.Fprintf(out, "✓ %s (%d labels)\n", name, len(config[name].Labels))
	}

	if len(configErrors) > 0 {
		for _, ce := range configErrors {
			fmt.Fprintf(out, "❌ %s: %s\n", ce.Repository, ce.Message)
		}
		return fmt.Errorf("configuration has %d error(s)", len(configErrors))
	}

	fmt.Fprintf(out, "✅ Configuration is valid: %d repositories\n", len(config))
	return nil
}

func asConfigurationError(repository string, err error) *labels.ConfigurationError {
	var ce *labels.ConfigurationError
	if errors.As(err, &ce) {
		return ce
	}
	return labels.NewConfigurationError(repository, err.Error())
}
