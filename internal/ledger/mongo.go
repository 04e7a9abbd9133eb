package ledger

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ehr/deid/internal/platform/mongodb"
	"github.com/ehr/deid/internal/seal"
)

const recordCollection = "correlation_records"

type recordDocument struct {
	RecordID        string    `bson:"_id"`
	OriginalRef     string    `bson:"originalFilePath"`
	DeidentifiedRef string    `bson:"deidentifiedFilePath"`
	FileName        string    `bson:"fileName"`
	Algorithm       string    `bson:"algorithm"`
	Ciphertext      []byte    `bson:"encryptedRemovedItems"`
	Nonce           []byte    `bson:"nonce"`
	KeyRef          string    `bson:"keyRef"`
	CreatedAt       time.Time `bson:"createdAt"`
}

// MongoLedger stores records in the correlation_records collection, keyed
// by record id with a unique index on the redacted reference.
type MongoLedger struct {
	client *mongodb.Client
	coll   *mongo.Collection
}

func NewMongoLedger(client *mongodb.Client) *MongoLedger {
	return &MongoLedger{client: client, coll: client.Collection(recordCollection)}
}

// EnsureIndexes creates the unique index on the redacted reference.
func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "deidentifiedFilePath", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_deidentified_ref"),
	})
	if err != nil {
		return fmt.Errorf("create ledger index: %w", err)
	}
	return nil
}

func (l *MongoLedger) Create(ctx context.Context, r *Record) error {
	_, err := l.coll.InsertOne(ctx, toDocument(r))
	if mongodb.IsDuplicateKey(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert correlation record: %w", err)
	}
	return nil
}

func (l *MongoLedger) GetByRecordID(ctx context.Context, recordID string) (*Record, error) {
	return l.findOne(ctx, bson.M{"_id": recordID})
}

func (l *MongoLedger) GetByDeidentifiedRef(ctx context.Context, ref string) (*Record, error) {
	return l.findOne(ctx, bson.M{"deidentifiedFilePath": ref})
}

func (l *MongoLedger) Delete(ctx context.Context, recordID string) error {
	res, err := l.coll.DeleteOne(ctx, bson.M{"_id": recordID})
	if err != nil {
		return fmt.Errorf("delete correlation record: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the primary is reachable.
func (l *MongoLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx)
}

func (l *MongoLedger) findOne(ctx context.Context, filter bson.M) (*Record, error) {
	var doc recordDocument
	err := l.coll.FindOne(ctx, filter).Decode(&doc)
	if mongodb.IsNoDocuments(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find correlation record: %w", err)
	}
	return doc.record(), nil
}

func toDocument(r *Record) recordDocument {
	return recordDocument{
		RecordID:        r.RecordID,
		OriginalRef:     r.OriginalRef,
		DeidentifiedRef: r.DeidentifiedRef,
		FileName:        r.FileName,
		Algorithm:       r.Bundle.Algorithm,
		Ciphertext:      r.Bundle.Ciphertext,
		Nonce:           r.Bundle.Nonce,
		KeyRef:          r.Bundle.KeyRef,
		CreatedAt:       r.CreatedAt,
	}
}

func (d recordDocument) record() *Record {
	return &Record{
		RecordID:        d.RecordID,
		OriginalRef:     d.OriginalRef,
		DeidentifiedRef: d.DeidentifiedRef,
		FileName:        d.FileName,
		Bundle: seal.Bundle{
			Algorithm:  d.Algorithm,
			Ciphertext: d.Ciphertext,
			Nonce:      d.Nonce,
			KeyRef:     d.KeyRef,
		},
		CreatedAt: d.CreatedAt,
	}
}
