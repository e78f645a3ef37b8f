package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teranos/scry/am"
	"github.com/teranos/scry/display"
	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/logger"
	"github.com/teranos/scry/sym"
)

// EnginesCmd represents the engines command
var EnginesCmd = &cobra.Command{
	Use:   "engines",
	Short: sym.Engines + " Inspect and manage the source registry",
	Long: sym.Engines + ` engines — Inspect and manage the source registry

The registry holds every engine scry can dispatch to: built-in
sources plus whatever the engine catalog adds. Engines carry a
latency tier, capability tags, and a reliability score; disabled
engines stay listed but refuse dispatch.

Examples:
  scry engines ls                    # Enabled engines
  scry engines ls --all              # Disabled ones too
  scry engines ls --tier fast        # One latency tier
  scry engines ls --tag social       # One capability
  scry engines show wikipedia        # Full descriptor + usage
  scry engines pull                  # Refresh catalog from engines.catalog_url`,
}

var (
	enginesTier    string
	enginesTag     string
	enginesAll     bool
	enginesPullURL string
)

var enginesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered engines",
	RunE:  runEnginesLs,
}

var enginesShowCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Show one engine's descriptor and usage counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnginesShow,
}

var enginesPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch the engine catalog and install it locally",
	Long: `Fetch the engine catalog from engines.catalog_url (or --url) and
install it at engines.catalog_path. The fetched file is validated
before it replaces the working catalog, so a broken download never
clobbers a good one.

Sources can be https URLs, git repos with subpaths, s3 buckets, or
local paths.`,
	RunE: runEnginesPull,
}

func init() {
	enginesLsCmd.Flags().StringVar(&enginesTier, "tier", "", "Filter by latency tier (lightning, fast, standard, slow, very_slow)")
	enginesLsCmd.Flags().StringVar(&enginesTag, "tag", "", "Filter by capability tag")
	enginesLsCmd.Flags().BoolVarP(&enginesAll, "all", "a", false, "Include disabled engines")

	enginesPullCmd.Flags().StringVar(&enginesPullURL, "url", "", "Catalog source (overrides engines.catalog_url)")

	EnginesCmd.AddCommand(enginesLsCmd)
	EnginesCmd.AddCommand(enginesShowCmd)
	EnginesCmd.AddCommand(enginesPullCmd)
}

func runEnginesLs(cmd *cobra.Command, args []string) error {
	useJSON := display.ShouldOutputJSON(cmd)

	svc, database, err := buildService(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	descriptors := svc.Registry.List(engine.Filter{
		Tier:            engine.Tier(enginesTier),
		Tag:             enginesTag,
		IncludeDisabled: enginesAll,
	})

	if useJSON {
		return display.OutputJSON(descriptors)
	}

	if len(descriptors) == 0 {
		fmt.Printf("%s No engines match\n", sym.Engines)
		return nil
	}

	fmt.Printf("%-14s %-24s %-10s %-6s %-9s %s\n",
		"CODE", "NAME", "TIER", "REL", "TIMEOUT", "TAGS")
	fmt.Printf("%-14s %-24s %-10s %-6s %-9s %s\n",
		"----", "----", "----", "---", "-------", "----")
	for _, d := range descriptors {
		code := d.Code
		if d.Disabled {
			code += "*"
		}
		fmt.Printf("%-14s %-24s %-10s %-6.2f %-9s %s\n",
			code,
			truncate(d.Name, 24),
			d.Tier,
			d.Reliability,
			d.EffectiveTimeout(),
			strings.Join(d.Tags, ","))
	}
	if enginesAll {
		fmt.Println("\n* disabled")
	}
	fmt.Printf("\nTotal: %d engine(s)\n", len(descriptors))
	return nil
}

func runEnginesShow(cmd *cobra.Command, args []string) error {
	code := args[0]
	useJSON := display.ShouldOutputJSON(cmd)

	svc, database, err := buildService(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	desc, ok := svc.Registry.Descriptor(code)
	if !ok {
		return errors.NewNotFoundError("engine %s", code)
	}
	usage, _ := svc.Registry.Usage(code)

	if useJSON {
		return display.OutputJSON(struct {
			engine.Descriptor
			Usage engine.Usage `json:"usage"`
		}{desc, usage})
	}

	fmt.Printf("%s %s (%s)\n", sym.Engines, desc.Name, desc.Code)
	fmt.Printf("  Tier:        %s\n", desc.Tier)
	fmt.Printf("  Timeout:     %s\n", desc.EffectiveTimeout())
	fmt.Printf("  Reliability: %.2f\n", desc.Reliability)
	if len(desc.Tags) > 0 {
		fmt.Printf("  Tags:        %s\n", strings.Join(desc.Tags, ", "))
	}
	if desc.Disabled {
		fmt.Printf("  Disabled:    yes\n")
	}
	fmt.Printf("  Calls:       %d (%d failed)\n", usage.Calls, usage.Failures)
	return nil
}

func runEnginesPull(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	src := enginesPullURL
	if src == "" {
		src = cfg.Engines.CatalogURL
	}

	dst := cfg.Engines.CatalogPath
	if dst == "" {
		dst, err = engine.DefaultCatalogPath()
		if err != nil {
			return errors.Wrap(err, "failed to resolve catalog path")
		}
	}

	catalog, err := engine.PullCatalog(cmd.Context(), src, dst, logger.Logger)
	if err != nil {
		return err
	}

	fmt.Printf("%s Installed catalog with %d engine(s) at %s\n",
		sym.Engines, len(catalog.Engines), dst)
	return nil
}
