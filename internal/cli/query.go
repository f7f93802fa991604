package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/docsync/internal/core"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query [collection]",
	Short: "Run a query",
	Long: `Run a query and print the matching documents.

Filters take the form "field op value" where op is one of
<, <=, ==, !=, >, >=, array-contains, array-contains-any, in, not-in.
Values are JSON literals; anything that does not parse is a string.

Examples:
  docsync query rooms --where "size > 4" --order-by size:desc --limit 10
  docsync query --group messages --where "author == ada"
  docsync query --named latest-rooms --cache`,
	Args: cobra.MaximumNArgs(1),
	Run:  runQuery,
}

var watchCmd = &cobra.Command{
	Use:   "watch [collection]",
	Short: "Print query results as they change",
	Long: `Listen to a query and print every change until interrupted. Accepts the
same flags as query.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runWatch,
}

var (
	queryWhere       []string
	queryOrderBy     []string
	queryLimit       int
	queryLimitToLast bool
	queryGroup       string
	queryNamed       string
	queryFromCache   bool
	queryTimeout     time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{queryCmd, watchCmd} {
		f := cmd.Flags()
		f.StringArrayVar(&queryWhere, "where", nil, "Filter \"field op value\" (repeatable)")
		f.StringArrayVar(&queryOrderBy, "order-by", nil, "Order by field[:asc|:desc] (repeatable)")
		f.IntVar(&queryLimit, "limit", 0, "Maximum number of documents")
		f.BoolVar(&queryLimitToLast, "last", false, "Apply the limit from the end of the ordering")
		f.StringVar(&queryGroup, "group", "", "Query every collection with this ID")
		f.StringVar(&queryNamed, "named", "", "Run a named query from a loaded bundle")
	}
	queryCmd.Flags().BoolVar(&queryFromCache, "cache", false, "Read from the local cache only")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 10*time.Second, "How long to wait for the backend")
}

// buildQuery assembles the query selected by args and flags.
func buildQuery(ctx context.Context, client *core.Client, args []string) (*models.Query, error) {
	var q *models.Query
	switch {
	case queryNamed != "":
		named, err := client.GetNamedQuery(ctx, queryNamed)
		if err != nil {
			return nil, err
		}
		if named == nil {
			return nil, fmt.Errorf("named query %q not found", queryNamed)
		}
		q = named.Query
	case queryGroup != "":
		q = models.NewCollectionGroupQuery(queryGroup)
	case len(args) == 1:
		q = models.NewQuery(models.ParseResourcePath(args[0]))
	default:
		return nil, fmt.Errorf("a collection path, --group or --named is required")
	}
	return refineQuery(q, queryWhere, queryOrderBy, queryLimit, queryLimitToLast)
}

func refineQuery(q *models.Query, where, orderBy []string, limit int, last bool) (*models.Query, error) {
	for _, w := range where {
		f, err := parseFilter(w)
		if err != nil {
			return nil, err
		}
		q = q.Where(f)
	}
	for _, o := range orderBy {
		field, dir, _ := strings.Cut(o, ":")
		path, err := models.ParseFieldPath(field)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(dir) {
		case "", "asc":
			q = q.OrderBy(path, models.Ascending)
		case "desc":
			q = q.OrderBy(path, models.Descending)
		default:
			return nil, fmt.Errorf("unknown direction %q in %q", dir, o)
		}
	}
	if limit < 0 {
		return nil, fmt.Errorf("limit must not be negative")
	}
	if limit > 0 {
		if last {
			if len(orderBy) == 0 {
				return nil, fmt.Errorf("--last requires --order-by")
			}
			q = q.LimitLast(limit)
		} else {
			q = q.LimitFirst(limit)
		}
	}
	return q, nil
}

var filterOperators = map[string]models.Operator{
	string(models.OpLessThan):           models.OpLessThan,
	string(models.OpLessThanOrEqual):    models.OpLessThanOrEqual,
	string(models.OpEqual):              models.OpEqual,
	"=":                                 models.OpEqual,
	string(models.OpNotEqual):           models.OpNotEqual,
	string(models.OpGreaterThan):        models.OpGreaterThan,
	string(models.OpGreaterThanOrEqual): models.OpGreaterThanOrEqual,
	string(models.OpArrayContains):      models.OpArrayContains,
	string(models.OpArrayContainsAny):   models.OpArrayContainsAny,
	string(models.OpIn):                 models.OpIn,
	string(models.OpNotIn):              models.OpNotIn,
}

// parseFilter parses "field op value".
func parseFilter(s string) (models.Filter, error) {
	parts := strings.SplitN(strings.TrimSpace(s), " ", 3)
	if len(parts) != 3 {
		return models.Filter{}, fmt.Errorf("filter %q must be \"field op value\"", s)
	}
	path, err := models.ParseFieldPath(parts[0])
	if err != nil {
		return models.Filter{}, err
	}
	op, ok := filterOperators[parts[1]]
	if !ok {
		return models.Filter{}, fmt.Errorf("unknown operator %q", parts[1])
	}
	value := parseLiteral(strings.TrimSpace(parts[2]))
	switch op {
	case models.OpIn, models.OpNotIn, models.OpArrayContainsAny:
		if value.Kind() != models.KindArray {
			return models.Filter{}, fmt.Errorf("operator %s needs a JSON array, got %s", op, parts[2])
		}
	}
	if path.IsKeyField() && value.Kind() == models.KindString {
		key, err := models.NewDocumentKey(value.StringVal())
		if err != nil {
			return models.Filter{}, err
		}
		value = models.ReferenceValue(key)
	}
	return models.FieldFilter(path, op, value), nil
}

func runQuery(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initClientContext(bgCtx)
	defer c.Close()

	q, err := buildQuery(bgCtx, c.Client, args)
	if err != nil {
		exitError("%v", err)
	}

	var snap *core.ViewSnapshot
	synced := false
	if queryFromCache {
		snap, err = c.Client.GetDocumentsFromLocalCache(bgCtx, q)
	} else {
		snap, synced, err = awaitSnapshot(bgCtx, c.Client, q, queryTimeout)
	}
	if err != nil {
		exitError("%v", err)
	}

	if !synced && !queryFromCache {
		color.New(color.FgYellow).Println("(from cache, backend not reachable)")
	}
	yellow := color.New(color.FgYellow)
	for _, doc := range snap.Docs.Docs() {
		yellow.Printf("document %s\n", doc.Key)
		fmt.Println(formatFields(doc.Data))
		fmt.Println()
	}
	fmt.Println(formatCount(snap.Docs.Len(), "document"))
}

func runWatch(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := initClientContext(ctx)
	defer c.Close()

	q, err := buildQuery(ctx, c.Client, args)
	if err != nil {
		exitError("%v", err)
	}

	snaps := make(chan *core.ViewSnapshot, 64)
	errs := make(chan error, 1)
	reg, err := c.Client.Listen(ctx, q, core.ListenOptions{IncludeMetadataChanges: true}, core.ListenerFuncs{
		Next: func(s *core.ViewSnapshot) {
			select {
			case snaps <- s:
			default:
				c.Logger.Warn("dropping snapshot, output is too slow")
			}
		},
		Error: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})
	if err != nil {
		exitError("%v", err)
	}
	defer func() { _ = c.Client.Unlisten(context.Background(), reg) }()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", q)
	for {
		select {
		case snap := <-snaps:
			printChanges(snap)
		case err := <-errs:
			exitError("listen failed: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

// printChanges prints a snapshot's document changes with color coding
func printChanges(snap *core.ViewSnapshot) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	state := "synced"
	if snap.FromCache {
		state = "from cache"
	}
	if snap.HasPendingWrites() {
		state += ", pending writes"
	}
	cyan.Printf("-- %s, %s (%s)\n", time.Now().Format(time.TimeOnly), formatCount(snap.Docs.Len(), "document"), state)

	for _, change := range snap.Changes {
		switch change.Type {
		case core.ChangeAdded:
			green.Printf("  added:    %s %s\n", change.Doc.Key, compactFields(change.Doc.Data))
		case core.ChangeModified:
			yellow.Printf("  modified: %s %s\n", change.Doc.Key, compactFields(change.Doc.Data))
		case core.ChangeRemoved:
			red.Printf("  removed:  %s\n", change.Doc.Key)
		}
	}
}
