package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/config"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
	"github.com/heimdall-sbom/heimdall/pkg/metadata"
	"github.com/heimdall-sbom/heimdall/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// outputFormat is the encoding of the inspect output, json or yaml.
	outputFormat string
	// verbose includes local symbols in the output.
	verbose bool
	// debugInfo enables the extraction of source files, functions and
	// compile units.
	debugInfo bool
	// searchPaths are searched for dependencies after the system
	// library directories.
	searchPaths []string
	// noSystemLibraries flags dependencies resolved to system directories.
	noSystemLibraries bool
	// debugQueue waits for the debug info session instead of falling
	// back to the heuristic scan.
	debugQueue bool
	// noStructuredDebugInfo reads debug info with the heuristic scan only.
	noStructuredDebugInfo bool
	// suppressWarnings logs facet failures at debug level.
	suppressWarnings bool
	// workers is the number of files inspected in parallel.
	workers int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config

	loadConfig = config.LoadConfig
)

const heimdallCommandLongDesc = `Heimdall extracts the metadata of compiled binaries for use in
software bills of materials.

ELF, Mach-O (thin and universal) and ar archives are supported. For every file
Heimdall reports symbols, sections, resolved library dependencies, version,
license, build identification, code signing and, optionally, the source files
recorded in its debug information.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load. Documentation builds use the defaults.
	conf = &config.Config{}
	if !docCall {
		conf = loadConfig()
	}

	// Main heimdall root command.
	rootCommand = &cobra.Command{
		Use:   "heimdall",
		Short: "Heimdall extracts SBOM metadata from binaries.",
		Long:  heimdallCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'heimdall help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'heimdall help log').")

	// 'inspect' subcommand.
	inspectCommand := &cobra.Command{
		Use:   "inspect file...",
		Short: "Extract the metadata of binaries.",
		Long: `Extract the metadata of one or more binaries and print the resulting
components.

Files are processed in parallel. Missing files are reported with a
processing error. Files that can not be opened or are not in a recognized
format are reported unprocessed, without an error.`,
		Args: cobra.MinimumNArgs(1),
		RunE: inspectCmd,
	}
	inspectCommand.Flags().StringVarP(&outputFormat, "format", "f", "json", "Output format, json or yaml.")
	inspectCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Include local symbols.")
	inspectCommand.Flags().BoolVarP(&debugInfo, "debug-info", "g", false, "Extract source files and functions from debug information.")
	inspectCommand.Flags().StringSliceVarP(&searchPaths, "search-path", "L", nil, "Additional directory searched for dependencies, may be repeated.")
	inspectCommand.Flags().BoolVar(&noSystemLibraries, "no-system-libraries", false, "Flag dependencies that resolve to system library directories.")
	inspectCommand.Flags().BoolVar(&debugQueue, "debug-queue", false, "Wait for the debug info session instead of using the heuristic scan.")
	inspectCommand.Flags().BoolVar(&noStructuredDebugInfo, "no-structured-debug-info", false, "Only scan debug information for source paths, never parse it.")
	inspectCommand.Flags().BoolVar(&suppressWarnings, "suppress-warnings", false, "Log extraction failures at debug level.")
	inspectCommand.Flags().IntVarP(&workers, "workers", "j", 0, "Number of files inspected in parallel, 0 means one per CPU.")
	rootCommand.AddCommand(inspectCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Heimdall\n%s\n", version.HeimdallVersion)
			if verbose {
				fmt.Fprint(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the Go version and dependency modules.")
	rootCommand.AddCommand(versionCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Prints the path of the configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.GetConfigFilePath("config.yml")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
	rootCommand.AddCommand(configCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	extractor	Log facet failures and orchestration
	macho		Log Mach-O slices and load commands that were skipped
	archive		Log archive members that could not be parsed
	resolver	Log dependency resolution
	debuginfo	Log debug info sessions and separate debug file lookups
	cache		Log metadata cache invalidation

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func inspectCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	opts, err := metadata.OptionsFromConfig(applyFlags(cmd, *conf))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	comps, err := metadata.New(opts).ExtractBatch(ctx, args)
	if err != nil {
		return err
	}
	return writeComponents(cmd.OutOrStdout(), comps, outputFormat)
}

// applyFlags overrides the fields of c with the flags set on the command
// line.
func applyFlags(cmd *cobra.Command, c config.Config) *config.Config {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "verbose":
			c.Verbose = verbose
		case "debug-info":
			c.ExtractDebugInfo = debugInfo
		case "search-path":
			c.SearchPaths = append(append([]string{}, c.SearchPaths...), searchPaths...)
		case "no-system-libraries":
			include := !noSystemLibraries
			c.IncludeSystemLibraries = &include
		case "debug-queue":
			c.DebugQueue = debugQueue
		case "no-structured-debug-info":
			c.DisableStructuredDebugInfo = noStructuredDebugInfo
		case "suppress-warnings":
			c.SuppressWarnings = suppressWarnings
		case "workers":
			c.Workers = workers
		}
	})
	return &c
}

func writeComponents(w io.Writer, comps []*component.Component, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(comps)
	case "yaml":
		out, err := yaml.Marshal(comps)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}
	return fmt.Errorf("unknown output format %q", format)
}
