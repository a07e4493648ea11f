package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	ErrFailedToConnect   = errors.New("failed to connect to mongo")
	ErrHealthcheckFailed = errors.New("mongo healthcheck failed")
)

const (
	connectTimeout = 10 * time.Second
	retryAttempts  = 3
	retryInterval  = 2 * time.Second
)

// NewMongo connects to url and returns the named database. Connection is
// retried a few times so the service can start alongside the database.
func NewMongo(ctx context.Context, url, database string) (*mongo.Database, error) {
	var lastErr error
	for attempt := range retryAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrFailedToConnect, ctx.Err())
			case <-time.After(retryInterval):
			}
		}

		client, err := mongo.Connect(
			options.Client().
				ApplyURI(url).
				SetConnectTimeout(connectTimeout).
				SetRetryWrites(true).
				SetRetryReads(true),
		)
		if err != nil {
			lastErr = err
			continue
		}
		if err := client.Ping(ctx, nil); err != nil {
			lastErr = err
			_ = client.Disconnect(context.WithoutCancel(ctx))
			continue
		}
		return client.Database(database), nil
	}

	return nil, errors.Join(ErrFailedToConnect, fmt.Errorf("after %d attempts: %w", retryAttempts, lastErr))
}

// Healthcheck returns a readiness check that pings the database's client.
func Healthcheck(db *mongo.Database) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := db.Client().Ping(ctx, nil); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
