package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/internal/config"
	"github.com/ShayCichocki/hivemind/internal/coordinator"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/state"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a hivemind project",
	Long: `Initialize a hivemind project in the given directory (default: current).

Creates:
  .hivemind/state.db      the state database
  .hivemind/logs/         log directory
  .hivemind/signals/      control signals read by 'hivemind run'
  .hivemind.yaml          project configuration with the defaults

An existing .hivemind.yaml is kept unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing .hivemind.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	absPath, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	for _, dir := range []string{
		filepath.Dir(logging.ProjectLogPath(absPath)),
		coordinator.SignalDir(absPath),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .hivemind directory structure", color.FgGreen)

	db, err := state.OpenProject(absPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	printStatus("✓", "Created state database", color.FgGreen)

	cfgPath := filepath.Join(absPath, config.ProjectFileName)
	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		printStatus("⚠", config.ProjectFileName+" exists (use --force to overwrite)", color.FgYellow)
	} else {
		if err := config.WriteFile(cfgPath, config.Default()); err != nil {
			return fmt.Errorf("write %s: %w", cfgPath, err)
		}
		printStatus("✓", "Created "+config.ProjectFileName, color.FgGreen)
	}

	fmt.Printf("\n%s hivemind initialized in %s\n\n", color.GreenString("✓"), absPath)
	fmt.Println("Next steps:")
	fmt.Println("  1. Describe the collective and its tasks in a plan file")
	fmt.Println("  2. hivemind seed plan.yaml")
	fmt.Println("  3. hivemind run <collective> --exec './do-task.sh'")
	return nil
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
