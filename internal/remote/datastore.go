package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/docsync/internal/auth"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/status"
)

// Datastore attaches credentials to calls on a Connection and converts
// between wire messages and model types.
type Datastore struct {
	conn        Connection
	info        DatabaseInfo
	credentials auth.CredentialsProvider
	appCheck    auth.AppCheckTokenProvider
	logger      *slog.Logger
}

// NewDatastore returns a datastore. Nil providers mean unauthenticated
// calls.
func NewDatastore(conn Connection, info DatabaseInfo, credentials auth.CredentialsProvider, appCheck auth.AppCheckTokenProvider, logger *slog.Logger) *Datastore {
	if credentials == nil {
		credentials = auth.EmptyCredentialsProvider{}
	}
	if appCheck == nil {
		appCheck = auth.EmptyAppCheckProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Datastore{conn: conn, info: info, credentials: credentials, appCheck: appCheck, logger: logger}
}

// DatabaseName returns the resource name of the database.
func (d *Datastore) DatabaseName() string { return d.info.Name() }

// DocumentName returns the full resource name of a document, as hashed
// into existence filter bloom filters.
func (d *Datastore) DocumentName(key models.DocumentKey) string {
	return d.info.Name() + "/documents/" + key.String()
}

func (d *Datastore) metadata(ctx context.Context) (Metadata, error) {
	var md Metadata
	tok, err := d.credentials.GetToken(ctx)
	if err != nil {
		return md, status.Wrap(status.Unauthenticated, err, "get token")
	}
	if tok != nil {
		md.AuthToken = tok.Value
	}
	// App Check failures do not block the call; the backend decides.
	appCheck, err := d.appCheck.GetToken(ctx)
	if err != nil {
		d.logger.Warn("app check token unavailable", "error", err)
	}
	md.AppCheckToken = appCheck
	return md, nil
}

// handleError invalidates tokens the backend refused.
func (d *Datastore) handleError(err error) error {
	if status.CodeOf(err) == status.Unauthenticated {
		d.credentials.InvalidateToken()
		d.appCheck.InvalidateToken()
	}
	return err
}

// InvalidateCredentials forces fresh tokens on the next call.
func (d *Datastore) InvalidateCredentials() {
	d.credentials.InvalidateToken()
	d.appCheck.InvalidateToken()
}

// Commit writes mutations atomically outside the write stream.
func (d *Datastore) Commit(ctx context.Context, mutations []models.Mutation) (*CommitResponse, error) {
	md, err := d.metadata(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := d.conn.Commit(ctx, md, &CommitRequest{Database: d.DatabaseName(), Writes: mutations})
	if err != nil {
		return nil, d.handleError(err)
	}
	return resp, nil
}

// Lookup reads keys from the backend. The result follows the order of keys;
// missing documents come back as no-documents at the read time.
func (d *Datastore) Lookup(ctx context.Context, keys []models.DocumentKey) ([]*models.Document, error) {
	md, err := d.metadata(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := d.conn.BatchGetDocuments(ctx, md, &BatchGetRequest{Database: d.DatabaseName(), Documents: keys})
	if err != nil {
		return nil, d.handleError(err)
	}

	byKey := make(map[models.DocumentKey]*models.Document, len(keys))
	for i := range resp.Found {
		doc := resp.Found[i].ToDocument().SetReadTime(resp.ReadTime)
		byKey[doc.Key] = doc
	}
	for _, k := range resp.Missing {
		byKey[k] = models.NewNoDocument(k, resp.ReadTime).SetReadTime(resp.ReadTime)
	}
	docs := make([]*models.Document, 0, len(keys))
	for _, k := range keys {
		doc, ok := byKey[k]
		if !ok {
			return nil, status.New(status.Internal, "lookup response is missing %s", k)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// RunQuery runs q once on the backend.
func (d *Datastore) RunQuery(ctx context.Context, q *models.Query) ([]*models.Document, error) {
	md, err := d.metadata(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := d.conn.RunQuery(ctx, md, &RunQueryRequest{Database: d.DatabaseName(), Target: q.ToTarget()})
	if err != nil {
		return nil, d.handleError(err)
	}
	docs := make([]*models.Document, 0, len(resp.Documents))
	for i := range resp.Documents {
		docs = append(docs, resp.Documents[i].ToDocument().SetReadTime(resp.ReadTime))
	}
	return docs, nil
}

func (d *Datastore) openListenStream(ctx context.Context) (ListenConn, error) {
	md, err := d.metadata(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := d.conn.OpenListenStream(ctx, md)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", d.handleError(err))
	}
	return conn, nil
}

func (d *Datastore) openWriteStream(ctx context.Context) (WriteConn, error) {
	md, err := d.metadata(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := d.conn.OpenWriteStream(ctx, md)
	if err != nil {
		return nil, fmt.Errorf("write: %w", d.handleError(err))
	}
	return conn, nil
}
