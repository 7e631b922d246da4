package commands

import (
	"fmt"
	"time"

	"github.com/ccrelay/gateway/pkg/auth"
	"github.com/spf13/cobra"
)

// KeysCmd groups client API key issuance. Keys are printed once and never
// stored by this process; operators are expected to paste the printed
// value into their config's auth.api_keys list.
var KeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Issue client API keys",
}

var (
	createKeyName      string
	createKeyExpiresIn time.Duration
)

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new client API key",
	Long: `Generate a new "ccr_"-prefixed client API key. The gateway's
authentication middleware only accepts keys with this prefix, so keys
placed in auth.api_keys must come from this command.`,
	RunE: runKeysCreate,
}

func init() {
	keysCreateCmd.Flags().StringVar(&createKeyName, "name", "default", "Label for the generated key record; only the key itself is printed")
	keysCreateCmd.Flags().DurationVar(&createKeyExpiresIn, "expires-in", 0, "Lifetime on the generated key record, e.g. 8760h; the printed key does not carry it, and the gateway accepts auth.api_keys entries for ten years from startup")

	KeysCmd.AddCommand(keysCreateCmd)
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	mgr := auth.NewAPIKeyManager()
	_, plaintext, err := mgr.GenerateAPIKey(createKeyName, []string{"*"}, 0, createKeyExpiresIn)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	fmt.Println("generated API key (shown once, add it to auth.api_keys):")
	fmt.Println(plaintext)
	return nil
}
