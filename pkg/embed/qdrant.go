package embed

import (
	"context"

	qpb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantIndex is a DenseIndex backed by a Qdrant server over gRPC. Chunk
// ids map directly to numeric point ids, keeping the dense and sparse
// indices joined on the same integer.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      qpb.PointsClient
	collections qpb.CollectionsClient
	collection  string
	dimension   uint64
}

// NewQdrantIndex dials addr (host:port of the gRPC endpoint) and ensures
// the collection exists with a cosine vector space of the given dimension.
func NewQdrantIndex(ctx context.Context, addr, collection string, dimension int) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, externalErr("qdrant dial", err)
	}
	q := &QdrantIndex{
		conn:        conn,
		points:      qpb.NewPointsClient(conn),
		collections: qpb.NewCollectionsClient(conn),
		collection:  collection,
		dimension:   uint64(dimension),
	}
	if err := q.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &qpb.ListCollectionsRequest{})
	if err != nil {
		return externalErr("qdrant list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	_, err = q.collections.Create(ctx, &qpb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qpb.VectorsConfig{
			Config: &qpb.VectorsConfig_Params{
				Params: &qpb.VectorParams{
					Size:     q.dimension,
					Distance: qpb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return externalErr("qdrant create collection", err)
	}
	return nil
}

// Upsert writes one batch of vectors keyed by chunk id.
func (q *QdrantIndex) Upsert(ctx context.Context, ids []uint32, vectors [][]float32) error {
	points := make([]*qpb.PointStruct, len(ids))
	for i, id := range ids {
		points[i] = &qpb.PointStruct{
			Id: &qpb.PointId{PointIdOptions: &qpb.PointId_Num{Num: uint64(id)}},
			Vectors: &qpb.Vectors{VectorsOptions: &qpb.Vectors_Vector{
				Vector: &qpb.Vector{Data: vectors[i]},
			}},
		}
	}
	wait := true
	_, err := q.points.Upsert(ctx, &qpb.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return externalErr("qdrant upsert", err)
	}
	return nil
}

// Search runs a cosine nearest-neighbor query.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, k int) ([]DenseResult, error) {
	if k <= 0 {
		return nil, nil
	}
	resp, err := q.points.Search(ctx, &qpb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
	})
	if err != nil {
		return nil, externalErr("qdrant search", err)
	}
	out := make([]DenseResult, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		out = append(out, DenseResult{
			ChunkID: uint32(p.GetId().GetNum()),
			Score:   p.GetScore(),
		})
	}
	return out, nil
}

// Close tears down the gRPC connection.
func (q *QdrantIndex) Close() error { return q.conn.Close() }
