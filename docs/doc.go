// Package docs provides generated OpenAPI documentation.
//
// Docket API
//
//	@title			Docket API
//	@version		1.0
//	@description	Batch document processing API for managing batches, documents, and pipeline stages.
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	API Support
//	@contact.url	https://github.com/freightworks/docket
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/docket/serve.go -o ./swagger --parseDependency --parseInternal
