package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "checkout_idempotency_keys"

// FirestoreStore shares idempotency records across API replicas.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore stores records in collection (default "checkout_idempotency_keys").
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

type firestoreRecord struct {
	Key            string              `firestore:"key"`
	Fingerprint    string              `firestore:"fingerprint"`
	Completed      bool                `firestore:"completed"`
	ResponseStatus int                 `firestore:"response_status"`
	ResponseHeader map[string][]string `firestore:"response_header"`
	ResponseBody   []byte              `firestore:"response_body"`
	CreatedAt      time.Time           `firestore:"created_at"`
	ExpiresAt      time.Time           `firestore:"expires_at"`
}

func toFirestore(r Record) firestoreRecord {
	return firestoreRecord{
		Key:            r.Key,
		Fingerprint:    r.Fingerprint,
		Completed:      r.Completed,
		ResponseStatus: r.Response.Status,
		ResponseHeader: r.Response.Header,
		ResponseBody:   r.Response.Body,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func (r firestoreRecord) record() Record {
	return Record{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Completed:   r.Completed,
		Response: Response{
			Status: r.ResponseStatus,
			Header: http.Header(r.ResponseHeader),
			Body:   r.ResponseBody,
		},
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(documentID(key))
}

// load reads the record inside tx; a missing document yields ok=false.
func load(tx *firestore.Transaction, ref *firestore.DocumentRef) (Record, bool, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var fr firestoreRecord
	if err := snap.DataTo(&fr); err != nil {
		return Record{}, false, err
	}
	return fr.record(), true, nil
}

func (s *FirestoreStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Record, error) {
	now = now.UTC()
	ref := s.doc(key)
	var (
		state  State
		result Record
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		rec, ok, err := load(tx, ref)
		if err != nil {
			return err
		}
		if !ok || rec.expired(now) {
			result = newPending(key, fingerprint, now, ttlOrDefault(ttl))
			state = StateNew
			return tx.Set(ref, toFirestore(result))
		}
		if rec.Fingerprint != fingerprint {
			return ErrKeyReuse
		}
		result = rec
		state = StateInFlight
		if rec.Completed {
			state = StateReplay
		}
		return nil
	})
	if err != nil {
		return 0, Record{}, err
	}
	return state, result, nil
}

func (s *FirestoreStore) Finish(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref := s.doc(key)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		rec, ok, err := load(tx, ref)
		if err != nil {
			return err
		}
		if ok && rec.Fingerprint != fingerprint {
			return ErrKeyReuse
		}
		if !ok {
			rec = newPending(key, fingerprint, now, ttlOrDefault(ttl))
		}
		rec.Completed = true
		rec.Response = Response{Status: resp.Status, Header: storableHeader(resp.Header), Body: resp.Body}
		rec.ExpiresAt = now.Add(ttlOrDefault(ttl))
		return tx.Set(ref, toFirestore(rec))
	})
}

func (s *FirestoreStore) Abandon(ctx context.Context, key, fingerprint string) error {
	ref := s.doc(key)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		rec, ok, err := load(tx, ref)
		if err != nil || !ok || rec.Fingerprint != fingerprint || rec.Completed {
			return err
		}
		return tx.Delete(ref)
	})
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	bw.End()

	removed := 0
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
