package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	emailLogsCollection     = "emaillogs"
	emailAttemptsCollection = "emailattempts"
)

type emailLogDocument struct {
	ID             string     `bson:"_id"`
	UserID         *string    `bson:"userId,omitempty"`
	BookingID      *string    `bson:"bookingId,omitempty"`
	RecipientEmail string     `bson:"recipientEmail"`
	EmailType      string     `bson:"emailType"`
	Status         string     `bson:"status"`
	RetryCount     int        `bson:"retryCount"`
	MaxRetries     int        `bson:"maxRetries"`
	NextRetryAt    *time.Time `bson:"nextRetryAt"`
	ErrorMessage   *string    `bson:"errorMessage"`
	EmailData      []byte     `bson:"emailData"`
	CreatedAt      time.Time  `bson:"createdAt"`
	UpdatedAt      time.Time  `bson:"updatedAt"`
}

type emailAttemptDocument struct {
	ID                string    `bson:"_id"`
	EmailLogID        string    `bson:"emailLogId"`
	AttemptNumber     int       `bson:"attemptNumber"`
	Outcome           string    `bson:"outcome"`
	StatusCode        *int      `bson:"statusCode,omitempty"`
	ProviderMessageID *string   `bson:"providerMessageId,omitempty"`
	Error             *string   `bson:"error,omitempty"`
	CreatedAt         time.Time `bson:"createdAt"`
}

func emailLogDocumentFromDomain(r *domain.NotificationRecord) emailLogDocument {
	return emailLogDocument{
		ID:             r.ID,
		UserID:         r.Related.UserID,
		BookingID:      r.Related.BookingID,
		RecipientEmail: r.RecipientAddress,
		EmailType:      r.Kind.String(),
		Status:         r.Status.String(),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		NextRetryAt:    r.NextRetryAt,
		ErrorMessage:   r.LastError,
		EmailData:      r.PayloadSnapshot,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (d emailLogDocument) toDomain() domain.NotificationRecord {
	return domain.NotificationRecord{
		ID:               d.ID,
		RecipientAddress: d.RecipientEmail,
		Related:          domain.Related{UserID: d.UserID, BookingID: d.BookingID},
		Kind:             domain.Kind(d.EmailType),
		Status:           domain.Status(d.Status),
		RetryCount:       d.RetryCount,
		MaxRetries:       d.MaxRetries,
		NextRetryAt:      d.NextRetryAt,
		LastError:        d.ErrorMessage,
		PayloadSnapshot:  d.EmailData,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

// dueFilter selects failed records with retries left that are due at now.
func dueFilter(now time.Time) bson.M {
	return bson.M{
		"status": domain.StatusFailed.String(),
		"$expr":  bson.M{"$lt": bson.A{"$retryCount", "$maxRetries"}},
		"$or": bson.A{
			bson.M{"nextRetryAt": nil},
			bson.M{"nextRetryAt": bson.M{"$lte": now}},
		},
	}
}

func listFilter(params ListParams) bson.M {
	filter := bson.M{}
	if params.Status != nil {
		filter["status"] = params.Status.String()
	}
	if params.Kind != nil {
		filter["emailType"] = params.Kind.String()
	}
	if params.Recipient != "" {
		filter["recipientEmail"] = params.Recipient
	}
	return filter
}

type MongoRecordRepo struct {
	coll *mongo.Collection
}

func NewMongoRecordRepo(db *mongo.Database) *MongoRecordRepo {
	return &MongoRecordRepo{coll: db.Collection(emailLogsCollection)}
}

// EnsureIndexes creates the indexes used by the due scan and the admin list.
func (r *MongoRecordRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "retryCount", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextRetryAt", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	})
	return err
}

func (r *MongoRecordRepo) Create(ctx context.Context, rec *domain.NotificationRecord) error {
	if rec == nil {
		return domain.ErrValidation
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if _, err := r.coll.InsertOne(ctx, emailLogDocumentFromDomain(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *MongoRecordRepo) Update(ctx context.Context, id string, patch domain.RecordPatch) error {
	result, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"status":       patch.Status.String(),
		"retryCount":   patch.RetryCount,
		"nextRetryAt":  patch.NextRetryAt,
		"errorMessage": patch.LastError,
		"updatedAt":    patch.UpdatedAt,
	}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MongoRecordRepo) GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	var doc emailLogDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := doc.toDomain()
	return &rec, nil
}

func (r *MongoRecordRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
	if limit < 1 {
		return nil, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "nextRetryAt", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.coll.Find(ctx, dueFilter(now), opts)
	if err != nil {
		return nil, err
	}
	return decodeEmailLogs(ctx, cursor)
}

func (r *MongoRecordRepo) List(ctx context.Context, params ListParams) ([]domain.NotificationRecord, int64, error) {
	filter := listFilter(params)

	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize))

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	records, err := decodeEmailLogs(ctx, cursor)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func decodeEmailLogs(ctx context.Context, cursor *mongo.Cursor) ([]domain.NotificationRecord, error) {
	var docs []emailLogDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]domain.NotificationRecord, 0, len(docs))
	for i := range docs {
		records = append(records, docs[i].toDomain())
	}
	return records, nil
}

type MongoAttemptRepo struct {
	coll *mongo.Collection
}

func NewMongoAttemptRepo(db *mongo.Database) *MongoAttemptRepo {
	return &MongoAttemptRepo{coll: db.Collection(emailAttemptsCollection)}
}

func (r *MongoAttemptRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "emailLogId", Value: 1}, {Key: "attemptNumber", Value: 1}},
	})
	return err
}

func (r *MongoAttemptRepo) Create(ctx context.Context, a *domain.NotificationAttempt) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	_, err := r.coll.InsertOne(ctx, emailAttemptDocument{
		ID:                a.ID,
		EmailLogID:        a.RecordID,
		AttemptNumber:     a.AttemptNumber,
		Outcome:           a.Outcome.String(),
		StatusCode:        a.StatusCode,
		ProviderMessageID: a.ProviderMessageID,
		Error:             a.Error,
		CreatedAt:         a.CreatedAt,
	})
	return err
}

func (r *MongoAttemptRepo) GetByRecordID(ctx context.Context, recordID string) ([]domain.NotificationAttempt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "attemptNumber", Value: 1}})
	cursor, err := r.coll.Find(ctx, bson.M{"emailLogId": recordID}, opts)
	if err != nil {
		return nil, err
	}

	var docs []emailAttemptDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	attempts := make([]domain.NotificationAttempt, 0, len(docs))
	for _, d := range docs {
		attempts = append(attempts, domain.NotificationAttempt{
			ID:                d.ID,
			RecordID:          d.EmailLogID,
			AttemptNumber:     d.AttemptNumber,
			Outcome:           domain.Status(d.Outcome),
			StatusCode:        d.StatusCode,
			ProviderMessageID: d.ProviderMessageID,
			Error:             d.Error,
			CreatedAt:         d.CreatedAt,
		})
	}
	return attempts, nil
}
