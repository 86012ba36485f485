package api

import (
	"reflect"

	"github.com/c360studio/semstreams/service"

	"github.com/c360studio/fusionledger/broadcast"
	"github.com/c360studio/fusionledger/ledger"
)

// ServiceName is the name the OpenAPI spec is registered under.
const ServiceName = "fusionledger"

func init() {
	service.RegisterOpenAPISpec(ServiceName, OpenAPISpec())
}

// OpenAPISpec implements the OpenAPIProvider interface.
func (h *Handler) OpenAPISpec() *service.OpenAPISpec {
	return OpenAPISpec()
}

func idParam(description string) service.ParameterSpec {
	return service.ParameterSpec{
		Name:        "id",
		In:          "path",
		Required:    true,
		Description: description,
		Schema:      service.Schema{Type: "string"},
	}
}

func jsonResponse(description, schema string) service.ResponseSpec {
	return service.ResponseSpec{
		Description: description,
		ContentType: "application/json",
		SchemaRef:   "#/components/schemas/" + schema,
	}
}

// OpenAPISpec describes every endpoint registered by RegisterHTTPHandlers.
func OpenAPISpec() *service.OpenAPISpec {
	return &service.OpenAPISpec{
		Tags: []service.TagSpec{
			{Name: "Ledger", Description: "Append-only fusion records and integrity verification"},
			{Name: "Broadcasts", Description: "Network broadcast attempts and retries"},
		},
		Paths: map[string]service.PathSpec{
			"/ledger": {
				GET: &service.OperationSpec{
					Summary:     "List records",
					Description: "Returns records in commit order, optionally filtered by owner",
					Tags:        []string{"Ledger"},
					Parameters: []service.ParameterSpec{
						{Name: "owner", In: "query", Description: "Only records with this ownerRef", Schema: service.Schema{Type: "string"}},
					},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("Records", "ListRecordsResponse"),
					},
				},
				POST: &service.OperationSpec{
					Summary:     "Commit a record",
					Description: "Validates a FusionInput body and appends it to the ledger",
					Tags:        []string{"Ledger"},
					Responses: map[string]service.ResponseSpec{
						"201": jsonResponse("The committed record", "Record"),
						"400": {Description: "Malformed body or missing field"},
					},
				},
			},
			"/ledger/verify": {
				GET: &service.OperationSpec{
					Summary:     "Verify integrity",
					Description: "Recomputes every record digest and the aggregate digest",
					Tags:        []string{"Ledger"},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("Verification result", "VerifyResponse"),
					},
				},
			},
			"/ledger/export": {
				GET: &service.OperationSpec{
					Summary: "Export the ledger",
					Tags:    []string{"Ledger"},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("Ledger export document", "Export"),
					},
				},
			},
			"/ledger/{id}": {
				GET: &service.OperationSpec{
					Summary:    "Get a record",
					Tags:       []string{"Ledger"},
					Parameters: []service.ParameterSpec{idParam("Record id")},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("The record", "Record"),
						"404": {Description: "Record not found"},
					},
				},
			},
			"/ledger/{id}/broadcast": {
				POST: &service.OperationSpec{
					Summary:     "Broadcast a record",
					Description: "Runs one network round trip. A rejection is a 200 with confirmed=false",
					Tags:        []string{"Broadcasts"},
					Parameters:  []service.ParameterSpec{idParam("Record id")},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("Broadcast receipt", "Receipt"),
						"404": {Description: "Record not found"},
						"504": jsonResponse("Canceled or timed out; the attempt is recorded as rejected", "Receipt"),
					},
				},
			},
			"/broadcasts": {
				GET: &service.OperationSpec{
					Summary: "List broadcast attempts",
					Tags:    []string{"Broadcasts"},
					Parameters: []service.ParameterSpec{
						{Name: "owner", In: "query", Description: "Only attempts for this ownerRef", Schema: service.Schema{Type: "string"}},
						{Name: "status", In: "query", Description: "pending, confirmed or rejected", Schema: service.Schema{Type: "string"}},
					},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("Attempts in start order", "ListBroadcastsResponse"),
						"400": {Description: "Unknown status"},
					},
				},
			},
			"/broadcasts/export": {
				GET: &service.OperationSpec{
					Summary: "Export the broadcast log",
					Tags:    []string{"Broadcasts"},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("Broadcast log export document", "BroadcastExport"),
					},
				},
			},
			"/broadcasts/{id}": {
				GET: &service.OperationSpec{
					Summary:    "Get a broadcast attempt",
					Tags:       []string{"Broadcasts"},
					Parameters: []service.ParameterSpec{idParam("Broadcast id")},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("The attempt", "Attempt"),
						"404": {Description: "Broadcast not found"},
					},
				},
			},
			"/broadcasts/{id}/retry": {
				POST: &service.OperationSpec{
					Summary:     "Retry a rejected broadcast",
					Description: "Starts a new attempt for the same payload after a backoff delay",
					Tags:        []string{"Broadcasts"},
					Parameters:  []service.ParameterSpec{idParam("Id of a rejected attempt")},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("Receipt of the new attempt", "Receipt"),
						"404": {Description: "Broadcast not found"},
						"409": {Description: "Broadcast is not rejected"},
					},
				},
			},
			"/stats": {
				GET: &service.OperationSpec{
					Summary: "Ledger and broadcast counts",
					Tags:    []string{"Ledger", "Broadcasts"},
					Responses: map[string]service.ResponseSpec{
						"200": jsonResponse("Counts", "StatsResponse"),
					},
				},
			},
		},
		ResponseTypes: []reflect.Type{
			reflect.TypeOf(ledger.FusionInput{}),
			reflect.TypeOf(ledger.Record{}),
			reflect.TypeOf(ledger.Export{}),
			reflect.TypeOf(broadcast.Receipt{}),
			reflect.TypeOf(broadcast.Attempt{}),
			reflect.TypeOf(broadcast.Export{}),
			reflect.TypeOf(ListRecordsResponse{}),
			reflect.TypeOf(VerifyResponse{}),
			reflect.TypeOf(ListBroadcastsResponse{}),
			reflect.TypeOf(StatsResponse{}),
		},
	}
}
