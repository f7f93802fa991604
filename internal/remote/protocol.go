// Package remote defines the wire messages, transport and stream machinery
// used to talk to the document backend.
package remote

import (
	"errors"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/status"
)

// TargetRequest asks the backend to start watching a target.
type TargetRequest struct {
	TargetID    int                     `json:"targetId"`
	Target      *models.Target          `json:"target"`
	ResumeToken []byte                  `json:"resumeToken,omitempty"`
	ReadTime    *models.SnapshotVersion `json:"readTime,omitempty"`
	// ExpectedCount is the number of documents the client believes match
	// when resuming, so the backend can send an existence filter.
	ExpectedCount *int `json:"expectedCount,omitempty"`
}

// ListenRequest adds or removes one target on the listen stream.
type ListenRequest struct {
	Database     string         `json:"database"`
	AddTarget    *TargetRequest `json:"addTarget,omitempty"`
	RemoveTarget int            `json:"removeTarget,omitempty"`
}

// TargetChangeType is the kind of a target change message.
type TargetChangeType string

const (
	TargetChangeNoChange TargetChangeType = "NO_CHANGE"
	TargetChangeAdd      TargetChangeType = "ADD"
	TargetChangeRemove   TargetChangeType = "REMOVE"
	TargetChangeCurrent  TargetChangeType = "CURRENT"
	TargetChangeReset    TargetChangeType = "RESET"
)

// TargetChangeMessage reports a change in the state of targets. An empty
// TargetIDs list means every target.
type TargetChangeMessage struct {
	Type        TargetChangeType       `json:"type"`
	TargetIDs   []int                  `json:"targetIds,omitempty"`
	Cause       *ErrorResponse         `json:"cause,omitempty"`
	ResumeToken []byte                 `json:"resumeToken,omitempty"`
	ReadTime    models.SnapshotVersion `json:"readTime"`
}

// WireDocument is a document as sent by the backend.
type WireDocument struct {
	Name       models.DocumentKey     `json:"name"`
	Fields     models.ObjectValue     `json:"fields"`
	CreateTime models.SnapshotVersion `json:"createTime"`
	UpdateTime models.SnapshotVersion `json:"updateTime"`
}

// ToDocument converts the wire form into a found document.
func (d *WireDocument) ToDocument() *models.Document {
	doc := models.NewFoundDocument(d.Name, d.UpdateTime, d.Fields)
	doc.CreateTime = d.CreateTime
	return doc
}

// WireDocumentFrom converts a found document into its wire form.
func WireDocumentFrom(doc *models.Document) WireDocument {
	return WireDocument{Name: doc.Key, Fields: doc.Data.Clone(), CreateTime: doc.CreateTime, UpdateTime: doc.Version}
}

// DocumentChangeMessage reports a new document version for some targets
// and its removal from others.
type DocumentChangeMessage struct {
	Document         WireDocument `json:"document"`
	TargetIDs        []int        `json:"targetIds,omitempty"`
	RemovedTargetIDs []int        `json:"removedTargetIds,omitempty"`
}

// DocumentDeleteMessage reports that a document was deleted.
type DocumentDeleteMessage struct {
	Document         models.DocumentKey     `json:"document"`
	ReadTime         models.SnapshotVersion `json:"readTime"`
	RemovedTargetIDs []int                  `json:"removedTargetIds,omitempty"`
}

// DocumentRemoveMessage reports that a document no longer matches some
// targets without saying anything about its contents.
type DocumentRemoveMessage struct {
	Document         models.DocumentKey     `json:"document"`
	ReadTime         models.SnapshotVersion `json:"readTime"`
	RemovedTargetIDs []int                  `json:"removedTargetIds,omitempty"`
}

// BloomFilterMessage is the encoded set of document names that did not
// change since the resume token.
type BloomFilterMessage struct {
	Bitmap    []byte `json:"bitmap"`
	Padding   int    `json:"padding"`
	HashCount int    `json:"hashCount"`
}

// ExistenceFilterMessage carries the number of documents matching a target.
type ExistenceFilterMessage struct {
	TargetID       int                 `json:"targetId"`
	Count          int                 `json:"count"`
	UnchangedNames *BloomFilterMessage `json:"unchangedNames,omitempty"`
}

// ListenResponse carries exactly one of its fields.
type ListenResponse struct {
	TargetChange   *TargetChangeMessage    `json:"targetChange,omitempty"`
	DocumentChange *DocumentChangeMessage  `json:"documentChange,omitempty"`
	DocumentDelete *DocumentDeleteMessage  `json:"documentDelete,omitempty"`
	DocumentRemove *DocumentRemoveMessage  `json:"documentRemove,omitempty"`
	Filter         *ExistenceFilterMessage `json:"filter,omitempty"`
}

// WriteRequest sends one mutation batch, or none for the handshake.
type WriteRequest struct {
	Database    string            `json:"database,omitempty"`
	StreamToken []byte            `json:"streamToken,omitempty"`
	Writes      []models.Mutation `json:"writes,omitempty"`
}

// WriteResponse acknowledges the handshake or a batch.
type WriteResponse struct {
	StreamToken  []byte                  `json:"streamToken"`
	CommitTime   models.SnapshotVersion  `json:"commitTime"`
	WriteResults []models.MutationResult `json:"writeResults,omitempty"`
}

// CommitRequest writes mutations outside the write stream, as transactions do.
type CommitRequest struct {
	Database string            `json:"database"`
	Writes   []models.Mutation `json:"writes"`
}

type CommitResponse struct {
	CommitTime   models.SnapshotVersion  `json:"commitTime"`
	WriteResults []models.MutationResult `json:"writeResults"`
}

// BatchGetRequest reads documents by key.
type BatchGetRequest struct {
	Database  string               `json:"database"`
	Documents []models.DocumentKey `json:"documents"`
}

type BatchGetResponse struct {
	Found    []WireDocument         `json:"found,omitempty"`
	Missing  []models.DocumentKey   `json:"missing,omitempty"`
	ReadTime models.SnapshotVersion `json:"readTime"`
}

// RunQueryRequest runs a query once on the backend.
type RunQueryRequest struct {
	Database string         `json:"database"`
	Target   *models.Target `json:"target"`
}

type RunQueryResponse struct {
	Documents []WireDocument         `json:"documents,omitempty"`
	ReadTime  models.SnapshotVersion `json:"readTime"`
}

// StreamFrame wraps every server message on a stream so that errors can
// travel in band.
type StreamFrame[T any] struct {
	Message *T             `json:"message,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is the standard error body of the backend.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err converts the body into a tagged error.
func (e *ErrorResponse) Err() *status.Error {
	return status.New(status.ParseCode(e.Code), "%s", e.Message)
}

// ErrorResponseFrom converts err into its wire form.
func ErrorResponseFrom(err error) *ErrorResponse {
	code := status.CodeOf(err)
	msg := err.Error()
	var se *status.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	return &ErrorResponse{Code: code.String(), Message: msg}
}
