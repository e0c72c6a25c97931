package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/koba/pgobjects/internal/adapter"
	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/wire"
)

var (
	limit     int
	skip      int
	sortJSON  string
	keys      []string
	estimate  bool
	target    string
	className string
	notify    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pgobjects",
	Short: "Postgres object storage tool",
	Long:  `Manage class schemas and query objects stored in Postgres tables.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
		_ = logger.New(logLevel)
	},
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the metadata table, system classes and helper functions",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var classesCmd = &cobra.Command{
	Use:   "classes",
	Short: "List registered classes",
	Args:  cobra.NoArgs,
	RunE:  runClasses,
}

var classCmd = &cobra.Command{
	Use:   "class <className>",
	Short: "Show one class schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runClass,
}

var createClassCmd = &cobra.Command{
	Use:   "create-class <schema-file>",
	Short: "Create a class from a YAML or JSON schema file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateClass,
}

var planCmd = &cobra.Command{
	Use:   "plan <schema-file>",
	Short: "Print the SQL that create-class would run",
	Long:  `Print the table, join table and index statements for a schema file without touching the database.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var addFieldCmd = &cobra.Command{
	Use:   "add-field <className> <fieldName> <type>",
	Short: "Add a field to a class",
	Args:  cobra.ExactArgs(3),
	RunE:  runAddField,
}

var dropClassCmd = &cobra.Command{
	Use:   "drop-class <className>",
	Short: "Drop a class with its join tables and metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runDropClass,
}

var findCmd = &cobra.Command{
	Use:   "find <className> [query]",
	Short: "Find objects matching a JSON query",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runFind,
}

var countCmd = &cobra.Command{
	Use:   "count <className> [query]",
	Short: "Count objects matching a JSON query",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCount,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print schema changes made by other processes",
	Long:  `Listen for schema change notifications and serve metrics on METRICS_PORT until interrupted.`,
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&notify, "notify", true, "Announce schema changes to other processes")

	createClassCmd.Flags().StringVar(&className, "class", "", "Class name (default: className in the file)")
	planCmd.Flags().StringVar(&className, "class", "", "Class name (default: className in the file)")
	addFieldCmd.Flags().StringVar(&target, "target", "", "Target class of Pointer and Relation fields")

	findCmd.Flags().IntVar(&limit, "limit", -1, "Maximum number of objects (default: unlimited)")
	findCmd.Flags().IntVar(&skip, "skip", 0, "Number of objects to skip")
	findCmd.Flags().StringVar(&sortJSON, "sort", "", `Sort document, e.g. {"createdAt": -1}`)
	findCmd.Flags().StringSliceVar(&keys, "keys", nil, "Fields to select (default: all)")
	countCmd.Flags().BoolVar(&estimate, "estimate", false, "Use planner statistics when there is no query")

	rootCmd.AddCommand(initCmd, classesCmd, classCmd, createClassCmd, planCmd, addFieldCmd, dropClassCmd, findCmd, countCmd, watchCmd)
}

func openAdapter(ctx context.Context) (*adapter.Adapter, database.Config, error) {
	config, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, config, fmt.Errorf("failed to load config: %w", err)
	}

	db := database.NewPostgres(config)
	if err := db.Connect(ctx); err != nil {
		return nil, config, fmt.Errorf("failed to connect to database: %w", err)
	}

	opts := []adapter.Option{
		adapter.WithLogger(zap.S()),
		adapter.WithSchemaCacheSize(config.SchemaCacheSize),
	}
	if notify {
		opts = append(opts, adapter.WithSchemaNotifications())
	}
	a, err := adapter.New(db, opts...)
	if err != nil {
		db.Close()
		return nil, config, err
	}
	return a, config, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func queryArg(args []string) (wire.Document, error) {
	if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
		return wire.Document{}, nil
	}
	query, err := wire.Parse([]byte(args[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	return query, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	a, _, err := openAdapter(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.PerformInitialization(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	fmt.Println("Initialized")
	return nil
}

func runClasses(cmd *cobra.Command, args []string) error {
	a, _, err := openAdapter(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	classes, err := a.GetAllClasses(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list classes: %w", err)
	}
	for _, s := range classes {
		fmt.Printf("%s (%d fields)\n", s.ClassName, len(s.Fields))
	}
	return nil
}

func runClass(cmd *cobra.Command, args []string) error {
	a, _, err := openAdapter(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.GetClass(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(s)
}

func runCreateClass(cmd *cobra.Command, args []string) error {
	s, err := loadSchemaFile(args[0], className)
	if err != nil {
		return err
	}

	a, _, err := openAdapter(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.CreateClass(cmd.Context(), s.ClassName, s)
	if err != nil {
		return fmt.Errorf("failed to create class %s: %w", s.ClassName, err)
	}
	return printJSON(created)
}

func runPlan(cmd *cobra.Command, args []string) error {
	s, err := loadSchemaFile(args[0], className)
	if err != nil {
		return err
	}
	script, err := planScript(s)
	if err != nil {
		return err
	}
	fmt.Printf("-- Class %s\n", s.ClassName)
	fmt.Println(script)
	return nil
}

func runAddField(cmd *cobra.Command, args []string) error {
	field := schema.Field{Type: schema.Type(args[2]), TargetClass: target}

	a, _, err := openAdapter(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.AddFieldIfNotExists(cmd.Context(), args[0], args[1], field); err != nil {
		return fmt.Errorf("failed to add field %s: %w", args[1], err)
	}
	fmt.Printf("Added %s.%s (%s)\n", args[0], args[1], field.Type)
	return nil
}

func runDropClass(cmd *cobra.Command, args []string) error {
	a, _, err := openAdapter(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.DeleteClass(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to drop class %s: %w", args[0], err)
	}
	fmt.Printf("Dropped %s\n", args[0])
	return nil
}

func runFind(cmd *cobra.Command, args []string) error {
	query, err := queryArg(args)
	if err != nil {
		return err
	}
	opts := adapter.FindOptions{Skip: skip, Keys: keys}
	if limit >= 0 {
		opts.Limit = &limit
	}
	if sortJSON != "" {
		if opts.Sort, err = wire.Parse([]byte(sortJSON)); err != nil {
			return fmt.Errorf("invalid sort: %w", err)
		}
	}

	a, _, err := openAdapter(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.GetClass(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	objects, err := a.Find(cmd.Context(), args[0], s, query, opts)
	if err != nil {
		return err
	}
	return printJSON(objects)
}

func runCount(cmd *cobra.Command, args []string) error {
	query, err := queryArg(args)
	if err != nil {
		return err
	}

	a, _, err := openAdapter(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.GetClass(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	n, err := a.Count(cmd.Context(), args[0], s, query, estimate)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, config, err := openAdapter(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	metricsPort, err := env.GetAsString("METRICS_PORT", false, ":2112")
	if err != nil {
		return err
	}
	zap.S().Debugf("Setting up metrics /metrics %v", metricsPort)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		/* #nosec G114 */
		if err := http.ListenAndServe(metricsPort, nil); err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()

	err = a.WatchSchemaChanges(ctx, config.DSN(), func(className string) {
		if className == "" {
			fmt.Println("schema changed: all classes")
			return
		}
		fmt.Printf("schema changed: %s\n", className)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
