package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	internal_http "github.com/dmarkov/agentflow/internal/http"
	"github.com/dmarkov/agentflow/internal/log"
	internal_storage "github.com/dmarkov/agentflow/internal/storage"
	"github.com/dmarkov/agentflow/pkg/capability"
	"github.com/dmarkov/agentflow/pkg/executor"
	"github.com/dmarkov/agentflow/pkg/knowledge"
	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/orchestrator"
)

func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a project from a JSON task list (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			tasksFile, _ := cmd.Flags().GetString("tasks")
			description, _ := cmd.Flags().GetString("description")
			if tasksFile == "" {
				fmt.Fprintln(os.Stderr, "Error: --tasks file is required")
				os.Exit(1)
			}
			request, err := os.ReadFile(tasksFile)
			if err != nil {
				log.GetLogger().Errorf("Failed to read tasks file: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to read tasks file: %v\n", err)
				os.Exit(1)
			}
			store := initStore(cmd)
			defer store.Close()
			orch := buildOrchestrator(store)
			project, err := orch.CreateProject(context.Background(), args[0], description, string(request), capability.JSONDecomposer{})
			if err != nil {
				log.GetLogger().Errorf("Failed to create project: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create project: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created project '%s' with ID %s (%d tasks)\n", project.Name, project.ID, len(project.Tasks))
		},
	}
	createCmd.Flags().String("tasks", "", "Path to a JSON file with the task list")
	createCmd.Flags().String("description", "", "Project description")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all projects (CLI)",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			projects, err := store.ListProjects()
			if err != nil {
				log.GetLogger().Errorf("Failed to list projects: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list projects: %v\n", err)
				os.Exit(1)
			}
			if len(projects) == 0 {
				fmt.Fprintf(os.Stdout, "No projects found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Projects:\n")
			for _, p := range projects {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Status: %s, Created: %s\n",
					p.ID, p.Name, p.Status, p.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show a project's progress",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			orch := buildOrchestrator(store)
			progress, err := orch.ProjectProgress(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to get progress: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to get progress: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Project %s: %s (%.0f%%)\n", progress.ProjectID, progress.Status, progress.ProgressPercent)
			fmt.Fprintf(os.Stdout, "Tasks: %d total, %d pending, %d in progress, %d completed, %d failed, %d blocked\n",
				progress.TotalTasks, progress.Pending, progress.InProgress, progress.Completed, progress.Failed, progress.Blocked)
			fmt.Fprintf(os.Stdout, "Tokens: %d estimated, %d actual\n", progress.EstimatedTokens, progress.ActualTokens)
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the knowledge base",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			kStr, _ := cmd.Flags().GetString("k")
			capFilter, _ := cmd.Flags().GetString("capability")
			k := 5
			if kStr != "" {
				parsed, err := strconv.Atoi(kStr)
				if err != nil || parsed <= 0 {
					fmt.Fprintln(os.Stderr, "Error: --k must be a positive integer")
					os.Exit(1)
				}
				k = parsed
			}
			store := initStore(cmd)
			defer store.Close()
			kb := buildKnowledge(store)
			results, err := kb.Search(args[0], k, knowledge.Filter{Capability: models.CapabilityType(capFilter)})
			if err != nil {
				log.GetLogger().Errorf("Search failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: search failed: %v\n", err)
				os.Exit(1)
			}
			if len(results) == 0 {
				fmt.Fprintf(os.Stdout, "No results found.\n")
				return
			}
			for _, r := range results {
				fmt.Fprintf(os.Stdout, "- [%.3f] %s (%s)\n", r.Score, r.Entry.Title, r.Entry.ContentType)
			}
		},
	}
	searchCmd.Flags().String("k", "", "Number of results (default 5)")
	searchCmd.Flags().String("capability", "", "Restrict results to one capability type")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge base statistics",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			kb := buildKnowledge(store)
			stats, err := kb.Stats()
			if err != nil {
				log.GetLogger().Errorf("Stats failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: stats failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Entries: %d, total tokens: %d\n", stats.TotalEntries, stats.TotalTokenCount)
			for ct, n := range stats.ByContentType {
				fmt.Fprintf(os.Stdout, "- %s: %d\n", ct, n)
			}
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = os.Getenv("PORT")
			}
			if port == "" {
				port = "8080"
			}
			stub, _ := cmd.Flags().GetBool("stub-capabilities")
			store := initStore(cmd)
			defer store.Close()

			registry := capability.NewRegistry()
			if stub {
				registerStubs(registry)
			}
			kb := buildKnowledge(store)
			exec := executor.New(store, registry, kb, log.GetLogger())
			orch := orchestrator.New(store, exec, kb, log.GetLogger())
			if err := internal_http.StartServer(port, store, orch, kb, capability.JSONDecomposer{}); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "", "Port to listen on (default $PORT or 8080)")
	serveCmd.Flags().Bool("stub-capabilities", false, "Register echo capabilities for local runs without a backend")

	rootCmd.AddCommand(createCmd, listCmd, statusCmd, searchCmd, statsCmd, serveCmd)
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to initialize store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func buildKnowledge(store *internal_storage.PostgresStore) *knowledge.Service {
	kb, err := knowledge.NewService(store, knowledge.NewHashingEmbedder(knowledge.DefaultEmbeddingDim), log.GetLogger())
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize knowledge service: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to initialize knowledge service: %v\n", err)
		os.Exit(1)
	}
	return kb
}

func buildOrchestrator(store *internal_storage.PostgresStore) *orchestrator.Orchestrator {
	kb := buildKnowledge(store)
	registry := capability.NewRegistry()
	exec := executor.New(store, registry, kb, log.GetLogger())
	return orchestrator.New(store, exec, kb, log.GetLogger())
}

// registerStubs wires an echo capability for every known type so a local
// server can execute projects end to end without a generative backend.
func registerStubs(registry *capability.Registry) {
	for _, ct := range models.AllCapabilityTypes() {
		registry.Register(capability.Func{
			CapabilityType: ct,
			RunFunc: func(ctx context.Context, task models.Task, contextEntries []models.KnowledgeEntry) (capability.Result, error) {
				payload := fmt.Sprintf("Stubbed %s output for task %q", task.Capability, task.Title)
				return capability.Result{Payload: payload, TokensUsed: len(payload)}, nil
			},
		})
	}
}
