package keyvault

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ehr/deid/internal/platform/mongodb"
)

const keyCollection = "sealing_keys"

type keyDocument struct {
	KeyID      string    `bson:"_id"`
	Wrapped    string    `bson:"wrappedKey"`
	KEKVersion int       `bson:"kekVersion"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type keyRepoMongo struct {
	coll *mongo.Collection
}

// NewMongoKeyRepository stores wrapped keys in the sealing_keys collection,
// keyed by _id.
func NewMongoKeyRepository(client *mongodb.Client) KeyRepository {
	return &keyRepoMongo{coll: client.Collection(keyCollection)}
}

func (r *keyRepoMongo) Create(ctx context.Context, k *WrappedKey) error {
	_, err := r.coll.InsertOne(ctx, toKeyDocument(k))
	if mongodb.IsDuplicateKey(err) {
		return ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("insert sealing key: %w", err)
	}
	return nil
}

func (r *keyRepoMongo) Get(ctx context.Context, keyID string) (*WrappedKey, error) {
	var doc keyDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": keyID}).Decode(&doc)
	if mongodb.IsNoDocuments(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find sealing key: %w", err)
	}
	return doc.wrappedKey(), nil
}

func (r *keyRepoMongo) Delete(ctx context.Context, keyID string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": keyID})
	if err != nil {
		return fmt.Errorf("delete sealing key: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func toKeyDocument(k *WrappedKey) keyDocument {
	return keyDocument{
		KeyID:      k.KeyID,
		Wrapped:    k.Wrapped,
		KEKVersion: k.KEKVersion,
		CreatedAt:  k.CreatedAt,
	}
}

func (d keyDocument) wrappedKey() *WrappedKey {
	return &WrappedKey{
		KeyID:      d.KeyID,
		Wrapped:    d.Wrapped,
		KEKVersion: d.KEKVersion,
		CreatedAt:  d.CreatedAt,
	}
}
