package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
)

func identityBSON(id uuid.UUID, email, role string, created time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: id.String()},
		{Key: "email", Value: email},
		{Key: "full_name", Value: "Alice Liddell"},
		{Key: "hashed_password", Value: "$2a$12$hash"},
		{Key: "role", Value: role},
		{Key: "created_at", Value: created},
	}
}

func TestIdentityRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	created := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	mt.Run("find by email", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		id := uuid.Must(uuid.NewV4())
		ns := mt.DB.Name() + ".users"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, identityBSON(id, "alice@example.com", "user", created)))

		got, err := r.FindByEmail(context.Background(), model.CollectionUsers, "alice@example.com")
		require.NoError(mt, err)
		require.Equal(mt, id, got.ID)
		require.Equal(mt, "alice@example.com", got.Email)
		require.Equal(mt, "$2a$12$hash", got.PasswordHash)
		require.Equal(mt, model.RoleUser, got.Role)
		require.True(mt, created.Equal(got.CreatedAt))
	})

	mt.Run("find missing", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".admins", mtest.FirstBatch))

		_, err := r.FindByEmail(context.Background(), model.CollectionAdmins, "nobody@example.com")
		require.ErrorIs(mt, err, errs.ErrNotFound)
	})

	mt.Run("insert", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		err := r.Insert(context.Background(), model.CollectionUsers, &model.Identity{
			ID: uuid.Must(uuid.NewV4()), Email: "alice@example.com", FullName: "Alice", PasswordHash: "h", Role: model.RoleUser, CreatedAt: created,
		})
		require.NoError(mt, err)
	})

	mt.Run("insert duplicate", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error collection: users index: email_unique",
		}))

		err := r.Insert(context.Background(), model.CollectionUsers, &model.Identity{
			ID: uuid.Must(uuid.NewV4()), Email: "alice@example.com", FullName: "Alice", PasswordHash: "h", Role: model.RoleUser, CreatedAt: created,
		})
		require.ErrorIs(mt, err, errs.ErrAlreadyExists)
	})

	mt.Run("list", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		ns := mt.DB.Name() + ".users"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			identityBSON(uuid.Must(uuid.NewV4()), "a@example.com", "user", created),
			identityBSON(uuid.Must(uuid.NewV4()), "b@example.com", "maintainer", created.Add(time.Hour)),
		))

		got, err := r.List(context.Background(), model.CollectionUsers)
		require.NoError(mt, err)
		require.Len(mt, got, 2)
		require.Equal(mt, model.RoleMaintainer, got[1].Role)
	})

	mt.Run("list corrupt id", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		doc := identityBSON(uuid.Nil, "a@example.com", "user", created)
		doc[0].Value = "not-a-uuid"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".users", mtest.FirstBatch, doc))

		_, err := r.List(context.Background(), model.CollectionUsers)
		require.Error(mt, err)
	})

	mt.Run("delete", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)
		id := uuid.Must(uuid.NewV4())

		require.NoError(mt, r.Delete(context.Background(), model.CollectionUsers, id))
		require.ErrorIs(mt, r.Delete(context.Background(), model.CollectionUsers, id), errs.ErrNotFound)
	})

	mt.Run("update password hash", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
		)
		id := uuid.Must(uuid.NewV4())

		require.NoError(mt, r.UpdatePasswordHash(context.Background(), model.CollectionAdmins, id, "new"))
		require.ErrorIs(mt, r.UpdatePasswordHash(context.Background(), model.CollectionAdmins, id, "new"), errs.ErrNotFound)
	})

	mt.Run("unknown collection", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		_, err := r.FindByEmail(context.Background(), model.Collection("sessions"), "a@example.com")
		require.ErrorIs(mt, err, errs.ErrInvalidInput)
	})

	mt.Run("ensure indexes", func(mt *mtest.T) {
		r := NewIdentityRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse())
		require.NoError(mt, r.EnsureIndexes(context.Background()))
	})
}
