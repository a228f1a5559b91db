package setup

import (
	"github.com/opentensor/BitTensor/internal/utils"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// InitMongo connects to the history archive. An empty uri disables
// archiving and returns a nil client.
func InitMongo(uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, nil
	}
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, utils.Wrap("failed connecting to mongo", err)
	}
	return client, nil
}
