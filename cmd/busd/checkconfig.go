package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sandia-minimega/busd/internal/config"
	"github.com/sandia-minimega/busd/internal/policy"
)

func newCheckConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "parse and validate a busconfig file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse(configPath, config.OSResolver{})
			if err != nil {
				return err
			}

			fmt.Printf("type:    %s\n", cfg.Type)
			fmt.Printf("user:    %s\n", cfg.User)
			fmt.Printf("fork:    %v\n", cfg.Fork)
			fmt.Printf("pidfile: %s\n", cfg.PidFile)
			fmt.Println("listen:")
			for _, l := range cfg.Listen {
				fmt.Printf("  - %s\n", l)
			}
			fmt.Println()

			printRuleTable(os.Stdout, "default", cfg.Policy.Default)
			printRuleTable(os.Stdout, "mandatory", cfg.Policy.Mandatory)

			for _, uid := range sortedKeys(cfg.Policy.PerUser) {
				printRuleTable(os.Stdout, fmt.Sprintf("user uid=%d", uid), cfg.Policy.PerUser[uid])
			}
			for _, gid := range sortedKeys(cfg.Policy.PerGroup) {
				printRuleTable(os.Stdout, fmt.Sprintf("group gid=%d", gid), cfg.Policy.PerGroup[gid])
			}

			fmt.Println("configuration is valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/busd/busd.conf", "path to busconfig file")
	return cmd
}

func sortedKeys(m map[int]policy.List) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func printRuleTable(w *os.File, label string, rules policy.List) {
	if len(rules) == 0 {
		return
	}

	fmt.Fprintf(w, "%s policy:\n", label)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Verdict", "Kind", "Selector"})

	for i, r := range rules {
		verdict := "deny"
		if r.Allow {
			verdict = "allow"
		}
		table.Append([]string{
			fmt.Sprintf("%d", i),
			verdict,
			r.Kind.String(),
			ruleSelector(r),
		})
	}

	table.Render()
	fmt.Fprintln(w)
}

func ruleSelector(r policy.Rule) string {
	switch r.Kind {
	case policy.Send:
		return fmt.Sprintf("send=%q destination=%q", wildcardOrAny(r.MessageName), wildcardOrAny(r.Destination))
	case policy.Receive:
		return fmt.Sprintf("receive=%q sender=%q", wildcardOrAny(r.MessageName), wildcardOrAny(r.Source))
	case policy.Own:
		return fmt.Sprintf("own=%q", wildcardOrAny(r.ServiceName))
	case policy.User:
		if r.UID != nil {
			return fmt.Sprintf("uid=%d", *r.UID)
		}
	case policy.Group:
		if r.GID != nil {
			return fmt.Sprintf("gid=%d", *r.GID)
		}
	}
	return ""
}

func wildcardOrAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func init() {
	rootCmd.AddCommand(newCheckConfigCmd())
}
