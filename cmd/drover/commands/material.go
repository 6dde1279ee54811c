package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/drover/am"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/material"
	"github.com/teranos/drover/mdu"
	"github.com/teranos/drover/store"
	"github.com/teranos/drover/sym"
)

// MaterialCmd manages materials in the drover database
var MaterialCmd = &cobra.Command{
	Use:     "material",
	Aliases: []string{"mat"},
	Short:   sym.Material + " Manage materials",
	Long: sym.Material + ` material - Manage the materials drover polls

Examples:
  drover material add --type git --url https://github.com/org/app.git --pipeline build
  drover material import setup.yaml
  drover material ls
  drover material history <fingerprint>
  drover material notify --type git --url https://github.com/org/app.git --token $TOKEN`,
}

var (
	matDBPath     string
	matAdd        material.Material
	matPipelines  []string
	matConfigRepo bool
	matKind       string
	matLimit      int

	notifyServer string
	notifyToken  string
	notifyBranch string
)

var materialAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update a material",
	RunE:  runMaterialAdd,
}

var materialImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import materials and agents from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runMaterialImport,
}

var materialLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List materials",
	RunE:  runMaterialLs,
}

var materialRmCmd = &cobra.Command{
	Use:   "rm <fingerprint>",
	Short: "Remove a material",
	Args:  cobra.ExactArgs(1),
	RunE:  runMaterialRm,
}

var materialHistoryCmd = &cobra.Command{
	Use:   "history <fingerprint>",
	Short: "Show recorded modifications of a material, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runMaterialHistory,
}

var materialNotifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a post-commit notification to a running server",
	RunE:  runMaterialNotify,
}

func init() {
	MaterialCmd.PersistentFlags().StringVar(&matDBPath, "db-path", "", "Custom database path (overrides config)")

	f := materialAddCmd.Flags()
	f.StringVar(&matKind, "type", "git", "Material type (git, svn, hg, p4, tfs, dependency, package, plugin)")
	f.StringVar(&matAdd.URL, "url", "", "Repository URL")
	f.StringVar(&matAdd.Branch, "branch", "", "Branch (git defaults to master)")
	f.StringVar(&matAdd.Name, "name", "", "Display name")
	f.StringVar(&matAdd.UpstreamPipeline, "upstream-pipeline", "", "Upstream pipeline (dependency materials)")
	f.StringVar(&matAdd.UpstreamStage, "upstream-stage", "", "Upstream stage (dependency materials)")
	f.BoolVar(&matAdd.AutoUpdate, "auto-update", true, "Poll the material on the timer")
	f.StringSliceVar(&matPipelines, "pipeline", nil, "Pipelines consuming the material")
	f.BoolVar(&matConfigRepo, "config-repo", false, "Material is a config repository")

	materialHistoryCmd.Flags().IntVar(&matLimit, "limit", 20, "Maximum modifications to show (0 for all)")

	nf := materialNotifyCmd.Flags()
	nf.StringVar(&notifyServer, "server", "", "Server URL (default http://localhost:<server.port>)")
	nf.StringVar(&notifyToken, "token", "", "Admin token (default server.admin_token)")
	nf.StringVar(&matKind, "type", "git", "Hook type (git, svn)")
	nf.StringVar(&matAdd.URL, "url", "", "Repository URL")
	nf.StringVar(&notifyBranch, "branch", "", "Only materials on this branch")

	MaterialCmd.AddCommand(materialAddCmd)
	MaterialCmd.AddCommand(materialImportCmd)
	MaterialCmd.AddCommand(materialLsCmd)
	MaterialCmd.AddCommand(materialRmCmd)
	MaterialCmd.AddCommand(materialHistoryCmd)
	MaterialCmd.AddCommand(materialNotifyCmd)
}

func withStore(run func(*cobra.Command, *store.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		st, closeDB, err := openStore(cfg, matDBPath)
		if err != nil {
			return err
		}
		defer closeDB()
		return run(cmd, st)
	}
}

func runMaterialAdd(cmd *cobra.Command, args []string) error {
	return withStore(func(cmd *cobra.Command, st *store.Store) error {
		m := matAdd
		m.Kind = material.Kind(matKind)
		rec := store.MaterialRecord{Material: m, Pipelines: matPipelines, ConfigRepo: matConfigRepo}
		if err := st.SaveMaterial(cmd.Context(), rec); err != nil {
			return err
		}
		pterm.Success.Printf("Saved %s (%s)\n", m.DisplayName(), m.Fingerprint())
		return nil
	})(cmd, args)
}

func runMaterialImport(cmd *cobra.Command, args []string) error {
	file, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", args[0])
	}
	defer file.Close()

	f, err := store.ParseImport(file)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", args[0])
	}
	return withStore(func(cmd *cobra.Command, st *store.Store) error {
		res, err := st.Import(cmd.Context(), f)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Imported %d material(s) and %d agent(s)\n", res.Materials, res.Agents)
		return nil
	})(cmd, args)
}

func runMaterialLs(cmd *cobra.Command, args []string) error {
	return withStore(func(cmd *cobra.Command, st *store.Store) error {
		recs, err := st.Materials(cmd.Context())
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			pterm.Info.Println("No materials configured")
			return nil
		}

		rows := pterm.TableData{{"Fingerprint", "Type", "Name", "Auto", "Pipelines", "Latest"}}
		for _, rec := range recs {
			fp := rec.Material.Fingerprint()
			latest := "-"
			if mod, ok, err := st.LatestModification(cmd.Context(), fp); err == nil && ok {
				latest = shortRevision(mod.Revision)
			}
			consumers := rec.Pipelines
			if rec.ConfigRepo {
				consumers = append(consumers, "(config repo)")
			}
			rows = append(rows, []string{
				fp[:12],
				string(rec.Material.Kind),
				rec.Material.DisplayName(),
				fmt.Sprintf("%t", rec.Material.AutoUpdate),
				strings.Join(consumers, ","),
				latest,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})(cmd, args)
}

func runMaterialRm(cmd *cobra.Command, args []string) error {
	return withStore(func(cmd *cobra.Command, st *store.Store) error {
		if err := st.RemoveMaterial(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Removed %s\n", args[0])
		return nil
	})(cmd, args)
}

func runMaterialHistory(cmd *cobra.Command, args []string) error {
	return withStore(func(cmd *cobra.Command, st *store.Store) error {
		mods, err := st.Modifications(cmd.Context(), args[0], matLimit)
		if err != nil {
			return err
		}
		if len(mods) == 0 {
			pterm.Info.Println("No modifications recorded")
			return nil
		}
		rows := pterm.TableData{{"Revision", "Committed", "Author", "Comment"}}
		for _, mod := range mods {
			rows = append(rows, []string{
				shortRevision(mod.Revision),
				mod.CommittedAt.Local().Format("2006-01-02 15:04"),
				mod.Author,
				firstLine(mod.Comment),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})(cmd, args)
}

func runMaterialNotify(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if notifyServer == "" {
		notifyServer = fmt.Sprintf("http://localhost:%d", cfg.GetServerPort())
	}
	if notifyToken == "" {
		notifyToken = cfg.Server.AdminToken
	}

	params := map[string]string{mdu.ParamRepositoryURL: matAdd.URL}
	if notifyBranch != "" {
		params[mdu.ParamBranch] = notifyBranch
	}
	body, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to encode notification")
	}

	url := strings.TrimSuffix(notifyServer, "/") + "/api/materials/notify/" + matKind
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return errors.Wrap(err, "failed to build notification request")
	}
	req.Header.Set("Content-Type", "application/json")
	if notifyToken != "" {
		req.Header.Set("Authorization", "Bearer "+notifyToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to reach %s", notifyServer)
	}
	defer resp.Body.Close()

	var res mdu.NotifyResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return errors.Wrapf(err, "unexpected response (HTTP %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusAccepted {
		return errors.Newf("notification rejected (HTTP %d): %s", resp.StatusCode, res.Message)
	}
	pterm.Success.Println(res.Message)
	for _, name := range res.Materials {
		pterm.Printf("  %s\n", name)
	}
	return nil
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
