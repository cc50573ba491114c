// Package mongodb implements repository interfaces on MongoDB, one collection
// per identity kind with a unique index on email.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
)

type identityDoc struct {
	ID             string    `bson:"_id"`
	Email          string    `bson:"email"`
	FullName       string    `bson:"full_name"`
	HashedPassword string    `bson:"hashed_password"`
	Role           string    `bson:"role"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (d identityDoc) toModel() (*model.Identity, error) {
	id, err := uuid.FromString(d.ID)
	if err != nil {
		return nil, fmt.Errorf("corrupt identity id %q: %w", d.ID, err)
	}
	return &model.Identity{
		ID:           id,
		Email:        d.Email,
		FullName:     d.FullName,
		PasswordHash: d.HashedPassword,
		Role:         model.Role(d.Role),
		CreatedAt:    d.CreatedAt.UTC(),
	}, nil
}

// Connect dials uri and verifies the deployment is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo unreachable: %w", err)
	}
	return client, nil
}

// IdentityRepo implements repository.IdentityRepository on a database.
type IdentityRepo struct {
	db *mongo.Database
}

// NewIdentityRepo constructs an identity repository over db.
func NewIdentityRepo(db *mongo.Database) *IdentityRepo { return &IdentityRepo{db: db} }

func (r *IdentityRepo) coll(c model.Collection) (*mongo.Collection, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", errs.ErrInvalidInput, c)
	}
	return r.db.Collection(string(c)), nil
}

// EnsureIndexes creates the unique email index on both collections.
func (r *IdentityRepo) EnsureIndexes(ctx context.Context) error {
	for _, c := range []model.Collection{model.CollectionUsers, model.CollectionAdmins} {
		_, err := r.db.Collection(string(c)).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("email_unique"),
		})
		if err != nil {
			return fmt.Errorf("create index on %s: %w", c, err)
		}
	}
	return nil
}

// FindByEmail loads an identity by exact email.
func (r *IdentityRepo) FindByEmail(ctx context.Context, c model.Collection, email string) (*model.Identity, error) {
	coll, err := r.coll(c)
	if err != nil {
		return nil, err
	}
	var doc identityDoc
	if err := coll.FindOne(ctx, bson.M{"email": email}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel()
}

// Insert stores a new identity document.
func (r *IdentityRepo) Insert(ctx context.Context, c model.Collection, id *model.Identity) error {
	coll, err := r.coll(c)
	if err != nil {
		return err
	}
	doc := identityDoc{
		ID:             id.ID.String(),
		Email:          id.Email,
		FullName:       id.FullName,
		HashedPassword: id.PasswordHash,
		Role:           string(id.Role),
		CreatedAt:      id.CreatedAt,
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", errs.ErrAlreadyExists, id.Email)
		}
		return err
	}
	return nil
}

// List returns all documents sorted by creation time.
func (r *IdentityRepo) List(ctx context.Context, c model.Collection) ([]model.Identity, error) {
	coll, err := r.coll(c)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "email", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []identityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Identity, 0, len(docs))
	for _, d := range docs {
		m, err := d.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// Delete removes the document with the given ID.
func (r *IdentityRepo) Delete(ctx context.Context, c model.Collection, id uuid.UUID) error {
	coll, err := r.coll(c)
	if err != nil {
		return err
	}
	res, err := coll.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdatePasswordHash sets hashed_password on an existing document.
func (r *IdentityRepo) UpdatePasswordHash(ctx context.Context, c model.Collection, id uuid.UUID, hash string) error {
	coll, err := r.coll(c)
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": id.String()}, bson.M{"$set": bson.M{"hashed_password": hash}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound
	}
	return nil
}
