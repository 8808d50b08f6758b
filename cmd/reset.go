package cmd

import (
	"errors"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/firmwaredroid/rehoster/internal/aosptree"
)

var (
	resetAospDir string
	resetForce   bool
)

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().StringVarP(&resetAospDir, "aosp-dir", "a", "", "AOSP checkout to reset.")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "skip the confirmation prompt.")
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "remove previously injected modules from an AOSP checkout",
	Args: func(cmd *cobra.Command, args []string) error {
		if resetAospDir == "" {
			return errors.New("must provide an aosp dir")
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		tree, err := aosptree.Open(resetAospDir, filepath.Base(resetAospDir))
		if err != nil {
			log.Fatal(err)
		}

		if !resetForce {
			color.Red("this removes every module a previous run injected into %v. "+
				"files the build already consumed are not restored - rebuild from a pristine checkout for a clean image.", resetAospDir)
			prompt := promptui.Prompt{
				Label:     "Do you want to continue ",
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				log.Fatalf("exiting: %v", err)
			}
		}

		if err := tree.Reset(); err != nil {
			log.Fatalf("failed to reset checkout: %v", err)
		}
		log.Infof("removed injected modules from %v", resetAospDir)
	},
}
