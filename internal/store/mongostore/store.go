// Package mongostore reads users and the follow graph from, and appends
// messages to, the MongoDB collections shared with the account service:
// "users" (with followers/following arrays of ObjectIDs) and "messages".
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/pairline/realtime/internal/chat"
)

const (
	usersCollection    = "users"
	messagesCollection = "messages"
)

type userDoc struct {
	ID        primitive.ObjectID   `bson:"_id"`
	Username  string               `bson:"username"`
	FullName  string               `bson:"fullName"`
	Avatar    string               `bson:"avatar"`
	Country   string               `bson:"country"`
	Gender    string               `bson:"gender"`
	Followers []primitive.ObjectID `bson:"followers"`
	Following []primitive.ObjectID `bson:"following"`
}

func (u userDoc) profile() chat.Profile {
	return chat.Profile{
		ID:          u.ID.Hex(),
		DisplayName: u.FullName,
		Avatar:      u.Avatar,
		Country:     u.Country,
		Gender:      u.Gender,
	}
}

type messageDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	chat.Message `bson:",inline"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// profileProjection keeps follower arrays out of profile reads.
var profileProjection = bson.M{"fullName": 1, "avatar": 1, "country": 1, "gender": 1, "username": 1}

// Store implements the user gateway and message store on MongoDB.
type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	messages *mongo.Collection
}

// Connect dials uri, pings the primary and ensures the message indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	s := New(client, database)
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps a connected client.
func New(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	return &Store{
		client:   client,
		users:    db.Collection(usersCollection),
		messages: db.Collection(messagesCollection),
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// FindByID returns userID's profile, or nil if there is no such user. Ids
// that are not ObjectIDs name no user.
func (s *Store) FindByID(ctx context.Context, userID string) (*chat.Profile, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, nil
	}

	var doc userDoc
	err = s.users.FindOne(ctx, bson.M{"_id": oid}, options.FindOne().SetProjection(profileProjection)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find user %s: %w", userID, err)
	}
	p := doc.profile()
	return &p, nil
}

// FindProfiles returns the profiles of the existing users among ids.
func (s *Store) FindProfiles(ctx context.Context, ids []string) (map[string]chat.Profile, error) {
	out := make(map[string]chat.Profile, len(ids))

	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	if len(oids) == 0 {
		return out, nil
	}

	cur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": oids}}, options.Find().SetProjection(profileProjection))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find profiles: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode profiles: %w", err)
	}
	for _, d := range docs {
		p := d.profile()
		out[p.ID] = p
	}
	return out, nil
}

// FollowsEachOther reports whether a's following list contains b and b's
// contains a.
func (s *Store) FollowsEachOther(ctx context.Context, a, b string) (bool, error) {
	oa, errA := primitive.ObjectIDFromHex(a)
	ob, errB := primitive.ObjectIDFromHex(b)
	if errA != nil || errB != nil || oa == ob {
		return false, nil
	}

	n, err := s.users.CountDocuments(ctx, bson.M{"$or": bson.A{
		bson.M{"_id": oa, "following": ob},
		bson.M{"_id": ob, "following": oa},
	}})
	if err != nil {
		return false, fmt.Errorf("mongostore: follows %s/%s: %w", a, b, err)
	}
	return n == 2, nil
}

// Append inserts msg as unread and returns it with its id and creation time.
func (s *Store) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	msg.Read = false
	msg.CreatedAt = now

	doc := messageDoc{ID: primitive.NewObjectID(), Message: msg, UpdatedAt: now}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return chat.Message{}, fmt.Errorf("mongostore: append message: %w", err)
	}
	msg.ID = doc.ID.Hex()
	return msg, nil
}

// History returns up to limit messages sent or received by userID, newest
// first. A limit of zero or less means no limit.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]chat.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.messages.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"senderId": userID},
		bson.M{"receiverId": userID},
	}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: history %s: %w", userID, err)
	}

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode history: %w", err)
	}

	out := make([]chat.Message, 0, len(docs))
	for _, d := range docs {
		m := d.Message
		m.ID = d.ID.Hex()
		if m.Kind == "" {
			m.Kind = chat.KindText
		}
		out = append(out, m)
	}
	return out, nil
}

// PutUser inserts or replaces a user document. It is used by seeding tools
// and tests; accounts are normally owned by the account service.
func (s *Store) PutUser(ctx context.Context, username string, p chat.Profile) (string, error) {
	oid, err := primitive.ObjectIDFromHex(p.ID)
	if err != nil {
		oid = primitive.NewObjectID()
	}
	_, err = s.users.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$set": bson.M{
			"username": username,
			"fullName": p.DisplayName,
			"avatar":   p.Avatar,
			"country":  p.Country,
			"gender":   p.Gender,
		},
		"$setOnInsert": bson.M{
			"followers": bson.A{},
			"following": bson.A{},
		},
	}, options.Update().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("mongostore: put user: %w", err)
	}
	return oid.Hex(), nil
}

// Follow records that follower follows followee on both documents.
func (s *Store) Follow(ctx context.Context, follower, followee string) error {
	of, err := primitive.ObjectIDFromHex(follower)
	if err != nil {
		return fmt.Errorf("mongostore: follow: bad follower id %q", follower)
	}
	oe, err := primitive.ObjectIDFromHex(followee)
	if err != nil {
		return fmt.Errorf("mongostore: follow: bad followee id %q", followee)
	}

	if _, err := s.users.UpdateByID(ctx, of, bson.M{"$addToSet": bson.M{"following": oe}}); err != nil {
		return fmt.Errorf("mongostore: follow: %w", err)
	}
	if _, err := s.users.UpdateByID(ctx, oe, bson.M{"$addToSet": bson.M{"followers": of}}); err != nil {
		return fmt.Errorf("mongostore: follow: %w", err)
	}
	return nil
}
