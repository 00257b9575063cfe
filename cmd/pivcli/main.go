// Command pivcli is a thin demonstration client over the pivcard/piv
// package: list connected tokens and read certificate slots. It has no
// ECDH box commands. It exists to exercise the library, not as a product in
// its own right.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pivcard/piv"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "pivcli",
	Short:   "PIV smartcard client",
	Version: version,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected PIV tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := piv.Enumerate()
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			fmt.Println("no PIV tokens found")
			return nil
		}
		for _, tok := range tokens {
			printTokenSummary(tok)
		}
		return nil
	},
}

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Read all certificate slots on the first connected token",
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := piv.Enumerate()
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			return fmt.Errorf("no PIV tokens found")
		}
		tok := tokens[0]
		if err := tok.ReadAllCerts(); err != nil {
			return err
		}
		printSlots(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd, slotsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
