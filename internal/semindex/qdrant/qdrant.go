// Package qdrant implements semindex.Index on a Qdrant collection over
// gRPC, embedding texts through an Embedder.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	pb "github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Embedder turns text into a vector of the collection's dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

const embedConcurrency = 4

type Index struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	embedder    Embedder
	collection  string
	dims        int
	batchSize   int
	logger      *slog.Logger
}

// New dials Qdrant at cfg.Addr.
func New(cfg config.QdrantConfig, embedder Embedder) (*Index, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", cfg.Addr, err)
	}
	x := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), embedder, cfg)
	x.conn = conn
	return x, nil
}

// NewWithClients builds an Index over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, embedder Embedder, cfg config.QdrantConfig) *Index {
	batch := cfg.UpsertBatchSize
	if batch <= 0 {
		batch = 256
	}
	return &Index{
		points:      points,
		collections: collections,
		embedder:    embedder,
		collection:  cfg.Collection,
		dims:        cfg.Dimensions,
		batchSize:   batch,
		logger:      slog.Default().With("component", "qdrant-index", "collection", cfg.Collection),
	}
}

var _ semindex.Index = (*Index)(nil)

func (x *Index) Close() error {
	if x.conn == nil {
		return nil
	}
	return x.conn.Close()
}

// Ping lists collections to check the gRPC endpoint.
func (x *Index) Ping(ctx context.Context) error {
	_, err := x.collections.List(ctx, &pb.ListCollectionsRequest{})
	return classify(err)
}

// IndexCorpus drops and recreates the collection, then upserts every
// document. Callers must not query while it runs.
func (x *Index) IndexCorpus(ctx context.Context, docs []semindex.Document) error {
	vectors, err := x.embedAll(ctx, docs)
	if err != nil {
		return err
	}
	if err := x.recreateCollection(ctx); err != nil {
		return err
	}
	for start := 0; start < len(docs); start += x.batchSize {
		end := min(start+x.batchSize, len(docs))
		if err := x.upsert(ctx, docs[start:end], vectors[start:end]); err != nil {
			return err
		}
	}
	x.logger.Info("corpus indexed", "documents", len(docs))
	return nil
}

func (x *Index) embedAll(ctx context.Context, docs []semindex.Document) ([][]float32, error) {
	vectors := make([][]float32, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, d := range docs {
		g.Go(func() error {
			v, err := x.embedder.Embed(gctx, d.Text)
			if err != nil {
				return fmt.Errorf("qdrant: embedding catalog entry %d: %w", d.ID, err)
			}
			if x.dims > 0 && len(v) != x.dims {
				return fmt.Errorf("qdrant: catalog entry %d embedded to %d dims, collection expects %d", d.ID, len(v), x.dims)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (x *Index) recreateCollection(ctx context.Context) error {
	list, err := x.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return classify(fmt.Errorf("qdrant: list collections: %w", err))
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == x.collection {
			if _, err := x.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: x.collection}); err != nil {
				return classify(fmt.Errorf("qdrant: delete collection %s: %w", x.collection, err))
			}
			break
		}
	}
	_, err = x.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(x.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return classify(fmt.Errorf("qdrant: create collection %s: %w", x.collection, err))
	}
	return nil
}

func (x *Index) upsert(ctx context.Context, docs []semindex.Document, vectors [][]float32) error {
	points := make([]*pb.PointStruct, len(docs))
	for i, d := range docs {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Num{Num: uint64(d.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vectors[i]},
				},
			},
			Payload: map[string]*pb.Value{
				"catalog_id": {Kind: &pb.Value_IntegerValue{IntegerValue: d.ID}},
				"text":       {Kind: &pb.Value_StringValue{StringValue: d.Text}},
			},
		}
	}
	wait := true
	_, err := x.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: x.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return classify(fmt.Errorf("qdrant: upsert %d points: %w", len(points), err))
	}
	return nil
}

// Query embeds text and runs a k-NN search. Qdrant's order is kept.
func (x *Index) Query(ctx context.Context, text string, topK int) ([]semindex.Candidate, error) {
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("qdrant: embedding query: %w", err)
	}
	resp, err := x.points.Search(ctx, &pb.SearchPoints{
		CollectionName: x.collection,
		Vector:         vec,
		Limit:          uint64(topK),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("qdrant: search: %w", err))
	}
	out := make([]semindex.Candidate, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		out = append(out, semindex.Candidate{
			EntryID: int64(r.GetId().GetNum()),
			Score:   semindex.ClampScore(float64(r.GetScore())),
		})
	}
	return out, nil
}

// classify marks gRPC failures that may clear on retry as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return apperrors.Transient(err)
	}
	return err
}
