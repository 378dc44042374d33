package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ssmanager/internal/accesskey"
	"ssmanager/internal/config"
	"ssmanager/internal/serverconfig"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the persisted access keys",
	Long: `keys prints the access keys from the state directory without starting
the server. Nothing in the state directory is written, so it can run next
to a serving instance. Secrets are not shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		settings, err := serverconfig.Read(cfg.ServerConfigFile())
		if err != nil {
			return fmt.Errorf("read server settings: %w", err)
		}
		keys, err := accesskey.ReadKeys(cfg.KeysFile())
		if err != nil {
			return err
		}
		return printKeys(cmd.OutOrStdout(), keys, settings.AccessKeyDataLimit)
	},
}

func printKeys(out io.Writer, keys []accesskey.AccessKey, def *accesskey.DataLimit) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPORT\tCIPHER\tLIMIT\tSTATE")
	for _, k := range keys {
		limit := "-"
		if l := k.EffectiveLimit(def); l != nil {
			limit = strconv.FormatInt(l.Bytes, 10)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", k.ID, k.Name, k.Port, k.Cipher, limit, keyState(k))
	}
	return w.Flush()
}

func keyState(k accesskey.AccessKey) string {
	switch {
	case k.DisabledByOperator:
		return "disabled"
	case k.OverQuota:
		return "over-quota"
	default:
		return "enabled"
	}
}
