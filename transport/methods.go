package transport

import "fmt"

// Each direction/kind pair has its own type so handlers and senders can only
// be wired to a method of the right set.
type (
	// ClientRequest is sent by the editor and answered by the server.
	ClientRequest string
	// ServerRequest is sent by the server and answered by the editor.
	ServerRequest string
	// ClientNotification is sent by the editor, never answered.
	ClientNotification string
	// ServerNotification is sent by the server, never answered.
	ServerNotification string
)

// Lifecycle
const (
	MethodInitialize  ClientRequest      = "initialize"
	MethodShutdown    ClientRequest      = "shutdown"
	MethodInitialized ClientNotification = "initialized"
	MethodExit        ClientNotification = "exit"
)

// Client requests
const (
	MethodDefinition           ClientRequest = "textDocument/definition"
	MethodExecuteCommand       ClientRequest = "workspace/executeCommand"
	MethodGetResolveStatus     ClientRequest = "understand/getResolveStatus"
	MethodAIChatCreate         ClientRequest = "understand/ai/chatCreate"
	MethodAIChatSend           ClientRequest = "understand/ai/chatSend"
	MethodAIChatCancel         ClientRequest = "understand/ai/chatCancel"
	MethodAIChatDelete         ClientRequest = "understand/ai/chatDelete"
	MethodAnnotationsList      ClientRequest = "understand/annotations/list"
	MethodAnnotationsCreate    ClientRequest = "understand/annotations/create"
	MethodAnnotationsUpdate    ClientRequest = "understand/annotations/update"
	MethodAnnotationsDelete    ClientRequest = "understand/annotations/delete"
	MethodGraphsList           ClientRequest = "understand/graphs/list"
	MethodGraphsDraw           ClientRequest = "understand/graphs/draw"
	MethodViolationDescription ClientRequest = "understand/violationDescription"
)

// Server requests
const (
	MethodWorkDoneProgressCreate ServerRequest = "window/workDoneProgress/create"
	MethodConfiguration          ServerRequest = "workspace/configuration"
	MethodRegisterCapability     ServerRequest = "client/registerCapability"
	MethodShowMessageRequest     ServerRequest = "window/showMessageRequest"
)

// Client notifications
const (
	MethodCancelRequest          ClientNotification = "$/cancelRequest"
	MethodDidOpen                ClientNotification = "textDocument/didOpen"
	MethodDidChange              ClientNotification = "textDocument/didChange"
	MethodDidClose               ClientNotification = "textDocument/didClose"
	MethodDidSave                ClientNotification = "textDocument/didSave"
	MethodDidChangeWatchedFiles  ClientNotification = "workspace/didChangeWatchedFiles"
	MethodDidChangeConfiguration ClientNotification = "workspace/didChangeConfiguration"
	MethodWorkDoneProgressCancel ClientNotification = "window/workDoneProgress/cancel"
	MethodSyncPosition           ClientNotification = "understand/syncPosition"
)

// Server notifications
const (
	MethodProgress             ServerNotification = "$/progress"
	MethodPublishDiagnostics   ServerNotification = "textDocument/publishDiagnostics"
	MethodLogMessage           ServerNotification = "window/logMessage"
	MethodShowMessage          ServerNotification = "window/showMessage"
	MethodChangedDatabaseState ServerNotification = "understand/changedDatabaseState"
	MethodAIChatUpdate         ServerNotification = "understand/ai/chatUpdate"
	MethodAnnotationsRefresh   ServerNotification = "understand/annotations/refresh"
)

// Commands carried by workspace/executeCommand.
const (
	CommandAnalyzeAll     = "understand.server.analyzeAll"
	CommandAnalyzeChanged = "understand.server.analyzeChanged"
	CommandCancelAnalysis = "understand.server.cancelAnalysis"
)

type MethodKind int

const (
	MethodUnknown MethodKind = iota
	MethodClientRequest
	MethodServerRequest
	MethodClientNotification
	MethodServerNotification
)

func (k MethodKind) String() string {
	switch k {
	case MethodClientRequest:
		return "client request"
	case MethodServerRequest:
		return "server request"
	case MethodClientNotification:
		return "client notification"
	case MethodServerNotification:
		return "server notification"
	}
	return "unknown"
}

// IsRequest reports whether methods of this kind expect a response.
func (k MethodKind) IsRequest() bool {
	return k == MethodClientRequest || k == MethodServerRequest
}

var clientRequests = []ClientRequest{
	MethodInitialize, MethodShutdown, MethodDefinition, MethodExecuteCommand,
	MethodGetResolveStatus,
	MethodAIChatCreate, MethodAIChatSend, MethodAIChatCancel, MethodAIChatDelete,
	MethodAnnotationsList, MethodAnnotationsCreate, MethodAnnotationsUpdate, MethodAnnotationsDelete,
	MethodGraphsList, MethodGraphsDraw, MethodViolationDescription,
}

var serverRequests = []ServerRequest{
	MethodWorkDoneProgressCreate, MethodConfiguration, MethodRegisterCapability, MethodShowMessageRequest,
}

var clientNotifications = []ClientNotification{
	MethodInitialized, MethodExit, MethodCancelRequest,
	MethodDidOpen, MethodDidChange, MethodDidClose, MethodDidSave,
	MethodDidChangeWatchedFiles, MethodDidChangeConfiguration,
	MethodWorkDoneProgressCancel, MethodSyncPosition,
}

var serverNotifications = []ServerNotification{
	MethodProgress, MethodPublishDiagnostics, MethodLogMessage, MethodShowMessage,
	MethodChangedDatabaseState, MethodAIChatUpdate, MethodAnnotationsRefresh,
}

var methodKinds = map[string]MethodKind{}

func init() {
	add := func(m string, k MethodKind) {
		if prev, ok := methodKinds[m]; ok {
			panic(fmt.Sprintf("method %q classified as both %s and %s", m, prev, k))
		}
		methodKinds[m] = k
	}
	for _, m := range clientRequests {
		add(string(m), MethodClientRequest)
	}
	for _, m := range serverRequests {
		add(string(m), MethodServerRequest)
	}
	for _, m := range clientNotifications {
		add(string(m), MethodClientNotification)
	}
	for _, m := range serverNotifications {
		add(string(m), MethodServerNotification)
	}
}

// Classify returns the set a method name belongs to, MethodUnknown if none.
func Classify(method string) MethodKind {
	return methodKinds[method]
}

// Methods returns every recognised method name of the given kind.
func Methods(kind MethodKind) []string {
	var names []string
	for m, k := range methodKinds {
		if k == kind {
			names = append(names, m)
		}
	}
	return names
}
