package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ccrelay/gateway/pkg/config"
	"github.com/ccrelay/gateway/pkg/models"
	"github.com/ccrelay/gateway/pkg/secure"
	"github.com/ccrelay/gateway/pkg/storage"
	"github.com/spf13/cobra"
)

// AccountsCmd groups offline account-pool maintenance subcommands: they
// operate directly on the on-disk account store, the way the gateway
// itself does at startup, without needing a running server.
var AccountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account pool's on-disk store",
}

var (
	addAccountEmail string
	addAccountSource string
	addAccountCredentials string
)

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account to the store",
	Example: `  ccrelay accounts add --email dev@example.com --source oauth --credentials <refresh-token>
  ccrelay accounts add --email dev@example.com --source manual --credentials <api-key>`,
	RunE: runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts in the store",
	RunE:  runAccountsList,
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable [account-id]",
	Short: "Enable an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsSetEnabled(true),
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable [account-id]",
	Short: "Disable an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsSetEnabled(false),
}

var accountsClearInvalidCmd = &cobra.Command{
	Use:   "clear-invalid [account-id]",
	Short: "Lift an account's sticky invalid flag",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsClearInvalid,
}

func init() {
	accountsAddCmd.Flags().StringVar(&addAccountEmail, "email", "", "Account email (required)")
	accountsAddCmd.Flags().StringVar(&addAccountSource, "source", "oauth", "Credential source: oauth or manual")
	accountsAddCmd.Flags().StringVar(&addAccountCredentials, "credentials", "", "Refresh token (oauth) or API key (manual), required")
	accountsAddCmd.MarkFlagRequired("email")
	accountsAddCmd.MarkFlagRequired("credentials")

	AccountsCmd.AddCommand(accountsAddCmd, accountsListCmd, accountsEnableCmd, accountsDisableCmd, accountsClearInvalidCmd)
}

func openStoreFromFlags(cmd *cobra.Command) (*storage.Store, *config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open account store: %w", err)
	}
	return store, cfg, nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	store, cfg, err := openStoreFromFlags(cmd)
	if err != nil {
		return err
	}

	if addAccountSource != "oauth" && addAccountSource != "manual" {
		return fmt.Errorf("source must be \"oauth\" or \"manual\", got %q", addAccountSource)
	}

	box, err := secure.NewBox(os.Getenv(cfg.Auth.MasterKeyEnv))
	if err != nil {
		return fmt.Errorf("failed to build credential box: %w", err)
	}
	encrypted, err := box.EncryptString(addAccountCredentials)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	records, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	account := models.NewAccount(addAccountEmail, addAccountSource)
	account.Credentials = encrypted
	records = append(records, storage.FromAccount(account))

	if err := store.Save(records); err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}

	fmt.Printf("added account %s (%s)\n", account.ID, account.Email)
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	store, _, err := openStoreFromFlags(cmd)
	if err != nil {
		return err
	}
	records, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tSOURCE\tENABLED\tINVALID")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", r.ID, r.Email, r.Source, r.Enabled, r.IsInvalid)
	}
	return w.Flush()
}

func runAccountsSetEnabled(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, _, err := openStoreFromFlags(cmd)
		if err != nil {
			return err
		}
		records, err := store.Load()
		if err != nil {
			return fmt.Errorf("failed to load accounts: %w", err)
		}

		id := args[0]
		found := false
		for i := range records {
			if records[i].ID == id {
				records[i].Enabled = enabled
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("account %s not found", id)
		}

		if err := store.Save(records); err != nil {
			return fmt.Errorf("failed to save accounts: %w", err)
		}
		fmt.Printf("account %s enabled=%t\n", id, enabled)
		return nil
	}
}

func runAccountsClearInvalid(cmd *cobra.Command, args []string) error {
	store, _, err := openStoreFromFlags(cmd)
	if err != nil {
		return err
	}
	records, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	id := args[0]
	found := false
	for i := range records {
		if records[i].ID == id {
			records[i].IsInvalid = false
			records[i].InvalidReason = ""
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("account %s not found", id)
	}

	if err := store.Save(records); err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}
	fmt.Printf("account %s invalid flag cleared\n", id)
	return nil
}
