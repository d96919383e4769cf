package identity

import (
	"context"
	"errors"
	"strconv"
	"time"

	"PPresence/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConfig struct {
	URI         string
	Database    string
	Collection  string
	MaxPoolSize uint64
}

// MongoLoader reads users from a collection keyed by _id. Numeric ids are
// matched both as string and as integer.
type MongoLoader struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoLoader(ctx context.Context, cfg MongoConfig) (*MongoLoader, error) {
	if cfg.URI == "" {
		return nil, errs.ErrArgs.WrapMsg("mongo uri is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "users"
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 20
	}
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "mongo connect", "uri", cfg.URI)
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errs.WrapMsg(err, "mongo ping", "uri", cfg.URI)
	}
	return &MongoLoader{client: cli, coll: cli.Database(cfg.Database).Collection(cfg.Collection)}, nil
}

func (l *MongoLoader) Load(ctx context.Context, userID string) (*User, error) {
	filter := bson.M{"_id": userID}
	if n, err := strconv.ParseInt(userID, 10, 64); err == nil {
		filter = bson.M{"$or": bson.A{bson.M{"_id": userID}, bson.M{"_id": n}}}
	}
	var u User
	err := l.coll.FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound.WrapMsg("", "user_id", userID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "mongo find user", "user_id", userID)
	}
	u.ID = userID
	return &u, nil
}

func (l *MongoLoader) Close(ctx context.Context) error {
	return l.client.Disconnect(ctx)
}
