package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/testmind-dev/tmrun/internal/orchestrator"
	"github.com/testmind-dev/tmrun/internal/presentation"
	"github.com/testmind-dev/tmrun/internal/secrets"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage the projects runs are executed for",
}

var projectsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register or update a project",
	Long: `Register a project. The git token and secrets are encrypted with
secrets.key (TM_SECRET_KEY) before they are stored; registering either
without a key fails.

Secrets are exposed to the test runner as environment variables.`,
	Example: `  tmrun projects add shop --id shop --repo https://github.com/acme/shop.git
  tmrun projects add shop --id shop --token "$GH_TOKEN" --secret E2E_USER=bot --secret E2E_PASS=hunter2`,
	Args: cobra.ExactArgs(1),
	RunE: runProjectsAdd,
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectsList,
}

var projectOpts struct {
	id      string
	owner   string
	repo    string
	token   string
	secrets []string
	output  string
}

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsAddCmd, projectsListCmd)

	projectsCmd.PersistentFlags().StringVarP(&projectOpts.output, "output", "o", "table", "output format: table, json or yaml")
	f := projectsAddCmd.Flags()
	f.StringVar(&projectOpts.id, "id", "", "project id (default: generated)")
	f.StringVar(&projectOpts.owner, "owner", "", "owning user id")
	f.StringVar(&projectOpts.repo, "repo", "", "git remote of the application under test")
	f.StringVar(&projectOpts.token, "token", "", "git access token for private repositories")
	f.StringArrayVar(&projectOpts.secrets, "secret", nil, "KEY=VALUE passed to the runner (repeatable)")
}

func runProjectsAdd(cmd *cobra.Command, args []string) error {
	format, err := presentation.ParseFormat(projectOpts.output)
	if err != nil {
		return err
	}
	env, err := secrets.ParseEnvPairs(projectOpts.secrets)
	if err != nil {
		return err
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	p, err := svc.orch.RegisterProject(cmd.Context(), orchestrator.ProjectInput{
		ID:       projectOpts.id,
		Name:     args[0],
		OwnerID:  projectOpts.owner,
		RepoURL:  projectOpts.repo,
		GitToken: projectOpts.token,
		Secrets:  env,
	})
	if err != nil {
		return err
	}
	return presentation.NewFormatter(cmd.OutOrStdout(), format).FormatProjects([]presentation.ProjectDTO{presentation.FromProject(p)})
}

func runProjectsList(cmd *cobra.Command, _ []string) error {
	format, err := presentation.ParseFormat(projectOpts.output)
	if err != nil {
		return err
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	projects, err := db.ProjectRepository().List(cmd.Context())
	if err != nil {
		return err
	}
	return presentation.NewFormatter(cmd.OutOrStdout(), format).FormatProjects(presentation.FromProjects(projects))
}
