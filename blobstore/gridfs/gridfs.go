// Package gridfs implements blobstore.Bucket on MongoDB or Amazon DocumentDB
// GridFS. Each container is its own GridFS bucket; a document in the
// containers collection records that it exists.
package gridfs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Duke-GCB/toil/blobstore"
)

const containersCollection = "jobstore_containers"

var _ blobstore.Bucket = (*Bucket)(nil)

// Config holds the MongoDB connection settings.
type Config struct {
	URI      string
	Database string
	// PasswordSecretArn names a Secrets Manager secret holding the password
	// for the user in URI, as DocumentDB deployments do.
	PasswordSecretArn string
	Region            string
	// CAFile is a PEM bundle used to verify the server, e.g. the DocumentDB
	// global-bundle.pem.
	CAFile        string
	SkipTLSVerify bool
	Logger        logrus.FieldLogger
}

// Bucket implements blobstore.Bucket using GridFS
type Bucket struct {
	client     *mongo.Client
	database   *mongo.Database
	containers *mongo.Collection
	files      *gridfs.Bucket
	name       string
	uri        string
}

// fileDoc is the subset of a GridFS files document the adapter reads.
type fileDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	Filename   string             `bson:"filename"`
	Length     int64              `bson:"length"`
	UploadDate time.Time          `bson:"uploadDate"`
}

// getPasswordFromSecretsManager retrieves the password from AWS Secrets Manager
func getPasswordFromSecretsManager(ctx context.Context, region, secretArn string) (string, error) {
	if region == "" {
		region = "us-east-1"
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create AWS session: %w", err)
	}

	result, err := secretsmanager.New(sess).GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretArn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret value is nil")
	}
	return *result.SecretString, nil
}

// createTLSConfig builds the TLS settings from cfg, or nil when none are requested
func createTLSConfig(cfg Config, log logrus.FieldLogger) (*tls.Config, error) {
	if cfg.SkipTLSVerify {
		log.Warn("Skipping TLS certificate verification - NOT for production use!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if cfg.CAFile == "" {
		return nil, nil
	}

	caCert, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %w", cfg.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile)
	}
	log.WithField("caFile", cfg.CAFile).Debug("Loaded CA certificate")
	return &tls.Config{RootCAs: pool}, nil
}

// NewBucket connects to MongoDB and opens the GridFS bucket for the container
func NewBucket(ctx context.Context, cfg Config, name string) (*Bucket, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("MongoDB connection string is required")
	}
	if cfg.Database == "" {
		cfg.Database = "jobstore"
	}

	clientOptions := options.Client().ApplyURI(cfg.URI)

	if cfg.PasswordSecretArn != "" {
		log.Debug("Retrieving password from Secrets Manager")
		password, err := getPasswordFromSecretsManager(ctx, cfg.Region, cfg.PasswordSecretArn)
		if err != nil {
			return nil, err
		}
		credential := options.Credential{
			AuthMechanism: "SCRAM-SHA-1",
			AuthSource:    "admin",
			Password:      password,
		}
		if clientOptions.Auth != nil {
			credential.Username = clientOptions.Auth.Username
		}
		clientOptions.SetAuth(credential)
	}

	tlsConfig, err := createTLSConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOptions.SetTLSConfig(tlsConfig)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Test the connection with a timeout
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	log.WithField("database", cfg.Database).Info("Connected to MongoDB")

	b, err := NewBucketWithDatabase(client.Database(cfg.Database), name)
	if err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	b.client = client
	b.uri = redactURI(cfg.URI)
	return b, nil
}

// NewBucketWithDatabase opens the container inside an existing database. The
// client is not disconnected by Close.
func NewBucketWithDatabase(db *mongo.Database, name string) (*Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("container name is required")
	}
	files, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open GridFS bucket %s: %w", name, err)
	}
	return &Bucket{
		database:   db,
		containers: db.Collection(containersCollection),
		files:      files,
		name:       name,
		uri:        "mongodb://",
	}, nil
}

// Name returns the container name
func (b *Bucket) Name() string {
	return b.name
}

// Create records the container
func (b *Bucket) Create(ctx context.Context) error {
	_, err := b.containers.InsertOne(ctx, bson.M{
		"_id":        b.name,
		"created_at": time.Now().Unix(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return blobstore.ErrBucketExists
		}
		return fmt.Errorf("failed to create container %s: %w", b.name, err)
	}
	return nil
}

// Open checks the container record
func (b *Bucket) Open(ctx context.Context) error {
	err := b.containers.FindOne(ctx, bson.M{"_id": b.name}).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return blobstore.ErrBucketNotFound
		}
		return fmt.Errorf("failed to open container %s: %w", b.name, err)
	}
	return nil
}

// Destroy drops the GridFS collections and the container record once no file remains
func (b *Bucket) Destroy(ctx context.Context) error {
	_, err := b.latest(ctx, bson.M{})
	switch {
	case err == nil:
		return blobstore.ErrBucketNotEmpty
	case !errors.Is(err, blobstore.ErrNotFound):
		return err
	}

	if err := b.files.DropContext(ctx); err != nil {
		return fmt.Errorf("failed to drop GridFS bucket %s: %w", b.name, err)
	}
	res, err := b.containers.DeleteOne(ctx, bson.M{"_id": b.name})
	if err != nil {
		return fmt.Errorf("failed to delete container %s: %w", b.name, err)
	}
	if res.DeletedCount == 0 {
		return blobstore.ErrBucketNotFound
	}
	return nil
}

// List yields the newest revision of every file whose name starts with prefix
func (b *Bucket) List(ctx context.Context, prefix string) iter.Seq2[blobstore.ObjectInfo, error] {
	return func(yield func(blobstore.ObjectInfo, error) bool) {
		filter := bson.M{}
		if prefix != "" {
			filter["filename"] = bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
		}
		cursor, err := b.files.FindContext(ctx, filter, options.GridFSFind().
			SetSort(bson.D{{Key: "filename", Value: 1}, {Key: "uploadDate", Value: -1}}))
		if err != nil {
			yield(blobstore.ObjectInfo{}, fmt.Errorf("failed to list container %s: %w", b.name, err))
			return
		}
		defer cursor.Close(context.WithoutCancel(ctx))

		last := ""
		first := true
		for cursor.Next(ctx) {
			var doc fileDoc
			if err := cursor.Decode(&doc); err != nil {
				yield(blobstore.ObjectInfo{}, fmt.Errorf("failed to decode file: %w", err))
				return
			}
			// older revisions sort directly after the newest one
			if !first && doc.Filename == last {
				continue
			}
			first, last = false, doc.Filename
			if !yield(blobstore.ObjectInfo{Key: doc.Filename, Size: doc.Length, ModTime: doc.UploadDate}, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(blobstore.ObjectInfo{}, fmt.Errorf("failed to list container %s: %w", b.name, err))
		}
	}
}

// latest returns the newest file matching filter, or ErrNotFound.
func (b *Bucket) latest(ctx context.Context, filter interface{}) (*fileDoc, error) {
	cursor, err := b.files.FindContext(ctx, filter, options.GridFSFind().
		SetSort(bson.D{{Key: "uploadDate", Value: -1}}).
		SetLimit(1))
	if err != nil {
		return nil, fmt.Errorf("failed to find file: %w", err)
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	if !cursor.Next(ctx) {
		if err := cursor.Err(); err != nil {
			return nil, fmt.Errorf("failed to find file: %w", err)
		}
		return nil, blobstore.ErrNotFound
	}
	var doc fileDoc
	if err := cursor.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode file: %w", err)
	}
	return &doc, nil
}

// Attributes returns the newest revision's metadata
func (b *Bucket) Attributes(ctx context.Context, key string) (blobstore.ObjectInfo, error) {
	doc, err := b.latest(ctx, bson.M{"filename": key})
	if err != nil {
		return blobstore.ObjectInfo{}, err
	}
	return blobstore.ObjectInfo{Key: key, Size: doc.Length, ModTime: doc.UploadDate}, nil
}

// Upload writes a new revision and then removes the older ones. A failed
// upload aborts the stream, which deletes the chunks written so far.
func (b *Bucket) Upload(ctx context.Context, key string, r io.Reader, opts *blobstore.UploadOptions) error {
	if blobstore.IfNotExist(opts) {
		_, err := b.latest(ctx, bson.M{"filename": key})
		if err == nil {
			return blobstore.ErrExists
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
	}

	id := primitive.NewObjectID()
	us, err := b.files.OpenUploadStreamWithID(id, key, options.GridFSUpload().
		SetMetadata(bson.M{"contentType": blobstore.ContentTypeOf(opts)}))
	if err != nil {
		return fmt.Errorf("failed to open upload stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		us.SetWriteDeadline(deadline)
	}

	if _, err := io.Copy(us, r); err != nil {
		us.Abort()
		return err
	}
	if err := us.Close(); err != nil {
		return fmt.Errorf("failed to finish upload of %s: %w", key, err)
	}

	return b.deleteRevisions(ctx, bson.M{"filename": key, "_id": bson.M{"$ne": id}})
}

// Download streams the newest revision into w
func (b *Bucket) Download(ctx context.Context, key string, w io.Writer) error {
	doc, err := b.latest(ctx, bson.M{"filename": key})
	if err != nil {
		return err
	}

	ds, err := b.files.OpenDownloadStream(doc.ID)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return blobstore.ErrNotFound
		}
		return fmt.Errorf("failed to open download stream: %w", err)
	}
	defer ds.Close()
	if deadline, ok := ctx.Deadline(); ok {
		ds.SetReadDeadline(deadline)
	}

	if _, err := io.Copy(w, ds); err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return nil
}

// Delete removes every revision of key
func (b *Bucket) Delete(ctx context.Context, key string) error {
	return b.deleteRevisions(ctx, bson.M{"filename": key})
}

func (b *Bucket) deleteRevisions(ctx context.Context, filter interface{}) error {
	cursor, err := b.files.FindContext(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to find revisions: %w", err)
	}
	var docs []fileDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return fmt.Errorf("failed to read revisions: %w", err)
	}
	for _, doc := range docs {
		if err := b.files.DeleteContext(ctx, doc.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("failed to delete revision %s: %w", doc.ID.Hex(), err)
		}
	}
	return nil
}

// URL returns a reference to the file in the GridFS bucket
func (b *Bucket) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.uri, b.database.Name(), b.name, url.PathEscape(key))
}

// Close disconnects the client if the bucket created it
func (b *Bucket) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Disconnect(context.Background())
}

// redactURI strips credentials and options so the URI is safe to log or share.
func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "mongodb://"
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
