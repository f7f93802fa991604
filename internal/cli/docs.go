package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/docsync/internal/core"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get <path>",
		Short: "Print a document",
		Long: `Print a document. The document is read through a listen stream so the
output reflects the backend; when the backend cannot be reached before the
timeout the cached version is printed instead.`,
		Args: cobra.ExactArgs(1),
		Run:  runGet,
	}

	setCmd = &cobra.Command{
		Use:   "set <path> <json>",
		Short: "Overwrite a document",
		Long: `Overwrite a document with the fields of a JSON object.

Examples:
  docsync set rooms/lobby '{"name":"Lobby","size":12}'
  docsync set rooms/lobby '{}' --server-timestamp updatedAt`,
		Args: cobra.ExactArgs(2),
		Run:  runSet,
	}

	patchCmd = &cobra.Command{
		Use:   "patch <path> <json>",
		Short: "Update fields of an existing document",
		Long: `Update the given fields of an existing document. Nested objects are
merged leaf by leaf. The write fails if the document does not exist.

Examples:
  docsync patch rooms/lobby '{"size":14}'
  docsync patch rooms/lobby '{}' --increment visits=1`,
		Args: cobra.ExactArgs(2),
		Run:  runPatch,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete <path>...",
		Short: "Delete documents",
		Args:  cobra.MinimumNArgs(1),
		Run:   runDelete,
	}
)

var (
	readFromCache bool
	readTimeout   time.Duration

	writeNoWait          bool
	writeTimeout         time.Duration
	writeServerTimestamp []string
	writeIncrement       []string
	writeArrayUnion      []string
	writeArrayRemove     []string
	writeIfMissing       bool
)

func init() {
	getCmd.Flags().BoolVar(&readFromCache, "cache", false, "Read from the local cache only")
	getCmd.Flags().DurationVar(&readTimeout, "timeout", 10*time.Second, "How long to wait for the backend")

	for _, cmd := range []*cobra.Command{setCmd, patchCmd, deleteCmd} {
		cmd.Flags().BoolVar(&writeNoWait, "no-wait", false, "Queue the write without waiting for the backend")
		cmd.Flags().DurationVar(&writeTimeout, "timeout", 30*time.Second, "How long to wait for the acknowledgement")
	}
	for _, cmd := range []*cobra.Command{setCmd, patchCmd} {
		cmd.Flags().StringSliceVar(&writeServerTimestamp, "server-timestamp", nil, "Set field to the commit time")
		cmd.Flags().StringSliceVar(&writeIncrement, "increment", nil, "Increment field by n (field=n)")
		cmd.Flags().StringSliceVar(&writeArrayUnion, "array-union", nil, "Add an element to an array field (field=value)")
		cmd.Flags().StringSliceVar(&writeArrayRemove, "array-remove", nil, "Remove an element from an array field (field=value)")
	}
	setCmd.Flags().BoolVar(&writeIfMissing, "create", false, "Fail if the document already exists")
}

func runGet(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	key := parseKey(args[0])

	c := initClientContext(bgCtx)
	defer c.Close()

	if readFromCache {
		doc, err := c.Client.GetDocumentFromLocalCache(bgCtx, key)
		if err != nil {
			exitError("%v", err)
		}
		printDocument(key, doc)
		return
	}

	snap, synced, err := awaitSnapshot(bgCtx, c.Client, models.NewQuery(key.Path()), readTimeout)
	if err != nil {
		exitError("%v", err)
	}
	if !synced {
		color.New(color.FgYellow).Println("(from cache, backend not reachable)")
	}
	printDocument(key, snap.Docs.Get(key))
}

func printDocument(key models.DocumentKey, doc *models.Document) {
	if doc == nil {
		exitError("document %s not found", key)
	}
	yellow := color.New(color.FgYellow)
	yellow.Printf("document %s\n", key)
	fmt.Printf("Version: %s\n", doc.Version)
	if doc.HasPendingWrites() {
		fmt.Printf("Pending: local writes not yet acknowledged\n")
	}
	fmt.Println()
	fmt.Println(formatFields(doc.Data))
}

func runSet(cmd *cobra.Command, args []string) {
	key := parseKey(args[0])
	data, err := parseFields(args[1])
	if err != nil {
		exitError("%v", err)
	}
	transforms, err := parseTransforms()
	if err != nil {
		exitError("%v", err)
	}

	m := models.NewSetMutation(key, data, transforms...)
	if writeIfMissing {
		m = m.WithPrecondition(models.PreconditionExists(false))
	}
	applyWrite([]models.Mutation{m}, "set %s", key)
}

func runPatch(cmd *cobra.Command, args []string) {
	key := parseKey(args[0])
	data, err := parseFields(args[1])
	if err != nil {
		exitError("%v", err)
	}
	transforms, err := parseTransforms()
	if err != nil {
		exitError("%v", err)
	}
	if data.Len() == 0 && len(transforms) == 0 {
		exitError("nothing to update")
	}

	m := models.NewPatchMutation(key, data, *data.FieldMask(), transforms...)
	applyWrite([]models.Mutation{m}, "patched %s", key)
}

func runDelete(cmd *cobra.Command, args []string) {
	mutations := make([]models.Mutation, 0, len(args))
	for _, arg := range args {
		mutations = append(mutations, models.NewDeleteMutation(parseKey(arg)))
	}
	applyWrite(mutations, "deleted %s", strings.Join(args, ", "))
}

// applyWrite queues mutations as one batch and, unless --no-wait is set,
// waits for the backend to accept or reject it.
func applyWrite(mutations []models.Mutation, format string, args ...any) {
	bgCtx := context.Background()
	c := initClientContext(bgCtx)
	defer c.Close()

	ack, err := c.Client.Write(bgCtx, mutations)
	if err != nil {
		exitError("failed to write: %v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	if writeNoWait {
		yellow.Printf("queued: "+format+"\n", args...)
		return
	}

	ctx, cancel := context.WithTimeout(bgCtx, writeTimeout)
	defer cancel()
	if _, err := ack.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			yellow.Printf("queued: "+format+"\n", args...)
			fmt.Println("The backend did not acknowledge the write in time; it stays queued.")
			fmt.Println("Run 'docsync sync' to retry.")
			return
		}
		exitError("write rejected: %v", err)
	}
	green.Printf(format+"\n", args...)
}

// parseTransforms builds the field transforms selected by flags.
func parseTransforms() ([]models.FieldTransform, error) {
	var out []models.FieldTransform
	for _, f := range writeServerTimestamp {
		path, err := models.ParseFieldPath(f)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ServerTimestampTransform(path))
	}
	for _, arg := range writeIncrement {
		path, raw, err := splitAssignment(arg)
		if err != nil {
			return nil, err
		}
		operand := parseLiteral(raw)
		if !operand.IsNumber() {
			return nil, fmt.Errorf("increment operand %q is not a number", raw)
		}
		out = append(out, models.IncrementTransform(path, operand))
	}
	for _, arg := range writeArrayUnion {
		path, raw, err := splitAssignment(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ArrayUnionTransform(path, parseLiteral(raw)))
	}
	for _, arg := range writeArrayRemove {
		path, raw, err := splitAssignment(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ArrayRemoveTransform(path, parseLiteral(raw)))
	}
	return out, nil
}

func splitAssignment(arg string) (models.FieldPath, string, error) {
	field, raw, ok := strings.Cut(arg, "=")
	if !ok {
		return nil, "", fmt.Errorf("expected field=value, got %q", arg)
	}
	path, err := models.ParseFieldPath(field)
	if err != nil {
		return nil, "", err
	}
	return path, raw, nil
}

// awaitSnapshot listens to q until a snapshot in sync with the backend
// arrives. On timeout it returns the latest cached snapshot and false.
func awaitSnapshot(ctx context.Context, client *core.Client, q *models.Query, timeout time.Duration) (*core.ViewSnapshot, bool, error) {
	snaps := make(chan *core.ViewSnapshot, 1)
	errs := make(chan error, 1)
	reg, err := client.Listen(ctx, q, core.ListenOptions{IncludeMetadataChanges: true}, core.ListenerFuncs{
		Next: func(s *core.ViewSnapshot) {
			// Keep only the newest snapshot.
			select {
			case <-snaps:
			default:
			}
			snaps <- s
		},
		Error: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = client.Unlisten(context.Background(), reg) }()

	deadline := time.After(timeout)
	var latest *core.ViewSnapshot
	for {
		select {
		case s := <-snaps:
			latest = s
			if !s.FromCache {
				return s, true, nil
			}
		case err := <-errs:
			return nil, false, err
		case <-deadline:
			if latest != nil {
				return latest, false, nil
			}
			snap, err := client.GetDocumentsFromLocalCache(ctx, q)
			return snap, false, err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// formatCount pluralizes noun.
func formatCount(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	if strings.HasSuffix(noun, "ch") || strings.HasSuffix(noun, "s") {
		return strconv.Itoa(n) + " " + noun + "es"
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
