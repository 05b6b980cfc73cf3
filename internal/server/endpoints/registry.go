package endpoints

import (
	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/store"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	StoreManager    *store.DockerManager
	StoreBackend    string
	SwaggerSpecPath string
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{StoreManager: cfg.StoreManager, Backend: cfg.StoreBackend},

		// Batch endpoints
		&CreateBatchEndpoint{},
		&ListBatchesEndpoint{},
		&GetBatchEndpoint{},
		&StartBatchEndpoint{},
		&PauseBatchEndpoint{},
		&ResumeBatchEndpoint{},
		&CancelBatchEndpoint{},
		&BatchProgressEndpoint{},
		&WatchBatchEndpoint{},

		// Document endpoints
		&AttachDocumentsEndpoint{},
		&ListDocumentsEndpoint{},
		&GetDocumentEndpoint{},
		&DocumentProgressEndpoint{},

		// Stage endpoints
		&UpdateStageEndpoint{},

		// Swagger/OpenAPI endpoints
		&SwaggerEndpoint{SpecPath: cfg.SwaggerSpecPath},
		&SwaggerUIEndpoint{},
	}
}

// BatchCommands returns endpoints for batch operations.
// This groups batch-related commands under the "batches" subcommand.
func BatchCommands() []api.Endpoint {
	return []api.Endpoint{
		&CreateBatchEndpoint{},
		&ListBatchesEndpoint{},
		&GetBatchEndpoint{},
		&StartBatchEndpoint{},
		&PauseBatchEndpoint{},
		&ResumeBatchEndpoint{},
		&CancelBatchEndpoint{},
		&BatchProgressEndpoint{},
		&WatchBatchEndpoint{},
	}
}

// DocumentCommands returns endpoints for document operations.
// This groups document-related commands under the "documents" subcommand.
func DocumentCommands() []api.Endpoint {
	return []api.Endpoint{
		&AttachDocumentsEndpoint{},
		&ListDocumentsEndpoint{},
		&GetDocumentEndpoint{},
		&DocumentProgressEndpoint{},
	}
}

// StageCommands returns endpoints for stage reporting operations.
// This groups stage-related commands under the "stages" subcommand.
func StageCommands() []api.Endpoint {
	return []api.Endpoint{
		&UpdateStageEndpoint{},
	}
}
