package cmd

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var closureDump string

func init() {
	rootCmd.AddCommand(closureCmd)

	closureCmd.Flags().StringVar(&closureDump, "lddtree-dump", "",
		"lddtree dependency dump to compute the closure from.")
	_ = viper.BindPFlag("closure-lddtree-dump", closureCmd.Flags().Lookup("lddtree-dump"))
}

var closureCmd = &cobra.Command{
	Use:   "closure <library>",
	Short: "print the transitive dependency closure of a firmware binary",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("must provide exactly one library name")
		}
		if closureDump == "" {
			return errors.New("must provide an lddtree dump")
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		graph, err := loadGraph(closureDump)
		if err != nil {
			log.Fatalf("failed to parse lddtree dump: %v", err)
		}

		root := args[0]
		closure := graph.Closure(root)
		if len(closure) == 0 {
			fmt.Printf("%v has no dependencies in the dump\n", root)
		}
		for _, name := range closure {
			fmt.Println(name)
		}

		if unresolved := graph.Unresolved(); len(unresolved) > 0 {
			fmt.Println("")
			fmt.Println("unresolved (assumed provided by the base image):")
			for _, name := range unresolved {
				fmt.Println("  " + name)
			}
		}
	},
}
