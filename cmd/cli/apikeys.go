package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/auth"
)

var apikeyName string

// apikeyCmd groups API key helpers.
var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Generate and hash API keys",
	Long: `The server authenticates API requests against the bcrypt hashes listed
in api.api_key_hashes. These commands create new keys and hash existing ones;
keys themselves are never stored.`,
	Example: `  portsweep apikey generate --name ci
  echo -n "$KEY" | portsweep apikey hash`,
}

var apikeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key and its hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		generated, err := auth.GenerateAPIKey(apikeyName)
		if err != nil {
			return err
		}
		printGeneratedKey(cmd.OutOrStdout(), generated)
		return nil
	},
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash [KEY]",
	Short: "Hash an existing API key (reads stdin when KEY is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			var err error
			if key, err = readKey(cmd.InOrStdin()); err != nil {
				return err
			}
		}

		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyGenerateCmd)
	apikeyCmd.AddCommand(apikeyHashCmd)

	apikeyGenerateCmd.Flags().StringVar(&apikeyName, "name", "default", "Label for the key")
}

func printGeneratedKey(w io.Writer, k *auth.GeneratedAPIKey) {
	fmt.Fprintf(w, "API key %q created (%s)\n\n", k.Name, k.KeyPrefix)
	fmt.Fprintf(w, "Key:  %s\n", k.Key)
	fmt.Fprintf(w, "Hash: %s\n\n", k.Hash)
	fmt.Fprintln(w, "The key is shown only once. Add the hash to your config file:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "api:")
	fmt.Fprintln(w, "  api_key_hashes:")
	fmt.Fprintf(w, "    - %q # %s\n", k.Hash, k.Name)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Clients send it in the X-API-Key header, or via %s_API_KEY for 'portsweep scans'.\n", envPrefix)
}

func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("no key given: pass it as an argument or on stdin")
	}
	return key, nil
}
