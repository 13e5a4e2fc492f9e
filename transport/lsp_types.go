package transport

import "encoding/json"

type URI string
type DocumentURI string

// ProgressToken is an integer or string token correlating progress events.
type ProgressToken = ID

type PositionEncodingKind string

const (
	UTF8  PositionEncodingKind = "utf-8"
	UTF16 PositionEncodingKind = "utf-16"
	UTF32 PositionEncodingKind = "utf-32"
)

type TextDocumentSyncKind int

const (
	None TextDocumentSyncKind = iota
	Full
	Incremental
)

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

type InitializeParams struct {
	ProcessID             *int               `json:"processId"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions json.RawMessage    `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

type ClientCapabilities struct {
	Workspace    *WorkspaceClientCapabilities `json:"workspace,omitempty"`
	Window       *WindowClientCapabilities    `json:"window,omitempty"`
	General      *GeneralClientCapabilities   `json:"general,omitempty"`
	Experimental json.RawMessage              `json:"experimental,omitempty"`
}

type DynamicRegistration struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

type WorkspaceClientCapabilities struct {
	Configuration          bool                 `json:"configuration,omitempty"`
	DidChangeWatchedFiles  *DynamicRegistration `json:"didChangeWatchedFiles,omitempty"`
	DidChangeConfiguration *DynamicRegistration `json:"didChangeConfiguration,omitempty"`
}

type WindowClientCapabilities struct {
	WorkDoneProgress bool `json:"workDoneProgress,omitempty"`
	ShowMessage      bool `json:"showMessage,omitempty"`
}

type GeneralClientCapabilities struct {
	PositionEncodings []PositionEncodingKind `json:"positionEncodings,omitempty"`
}

type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

type ServerCapabilities struct {
	PositionEncoding       *PositionEncodingKind  `json:"positionEncoding,omitempty"`
	TextDocumentSync       TextDocumentSyncKind   `json:"textDocumentSync"`
	DefinitionProvider     bool                   `json:"definitionProvider,omitempty"`
	ExecuteCommandProvider *ExecuteCommandOptions `json:"executeCommandProvider,omitempty"`
	Workspace              *WorkspaceOptions      `json:"workspace,omitempty"`
	Experimental           json.RawMessage        `json:"experimental,omitempty"`
}

type ExecuteCommandOptions struct {
	Commands []string `json:"commands"`
}

type WorkspaceOptions struct {
	WorkspaceFolders *WorkspaceFoldersServerCapabilities `json:"workspaceFolders,omitempty"`
}

type WorkspaceFoldersServerCapabilities struct {
	Supported           bool   `json:"supported,omitempty"`
	ChangeNotifications string `json:"changeNotifications,omitempty"`
}

type CancelParams struct {
	ID ID `json:"id"`
}

// Progress

type ProgressParams struct {
	Token ProgressToken   `json:"token"`
	Value json.RawMessage `json:"value"`
}

type WorkDoneProgressKind string

const (
	ProgressBegin  WorkDoneProgressKind = "begin"
	ProgressReport WorkDoneProgressKind = "report"
	ProgressEnd    WorkDoneProgressKind = "end"
)

// WorkDoneProgressValue covers the begin, report and end payloads.
type WorkDoneProgressValue struct {
	Kind        WorkDoneProgressKind `json:"kind"`
	Title       string               `json:"title,omitempty"`
	Message     string               `json:"message,omitempty"`
	Percentage  *uint32              `json:"percentage,omitempty"`
	Cancellable *bool                `json:"cancellable,omitempty"`
}

type WorkDoneProgressCreateParams struct {
	Token ProgressToken `json:"token"`
}

type WorkDoneProgressCancelParams struct {
	Token ProgressToken `json:"token"`
}

// Database state

type DatabaseStateParams struct {
	Path  string `json:"path"`
	State string `json:"state"`
}

// Documents

type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Location struct {
	URI   DocumentURI `json:"uri"`
	Range Range       `json:"range"`
}

type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

type VersionedTextDocumentIdentifier struct {
	URI     DocumentURI `json:"uri"`
	Version int32       `json:"version"`
}

type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int32       `json:"version"`
	Text       string      `json:"text"`
}

type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type DefinitionParams struct {
	TextDocumentPositionParams
}

type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         *string                `json:"text,omitempty"`
}

// SyncPositionParams carries the editor's current selection.
type SyncPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// Watched files

type FileChangeType int

const (
	Created FileChangeType = iota + 1
	Changed
	Deleted
)

func (t FileChangeType) String() string {
	switch t {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

type FileEvent struct {
	URI  DocumentURI    `json:"uri"`
	Type FileChangeType `json:"type"`
}

type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

type ConfigurationItem struct {
	ScopeURI string `json:"scopeUri,omitempty"`
	Section  string `json:"section,omitempty"`
}

type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

type Registration struct {
	ID              string          `json:"id"`
	Method          string          `json:"method"`
	RegisterOptions json.RawMessage `json:"registerOptions,omitempty"`
}

type RegistrationParams struct {
	Registrations []Registration `json:"registrations"`
}

type ExecuteCommandParams struct {
	Command   string            `json:"command"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// Messages

type MessageType int

const (
	ErrorMessage MessageType = iota + 1
	WarningMessage
	InfoMessage
	LogMessage
)

type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type MessageActionItem struct {
	Title string `json:"title"`
}

type ShowMessageRequestParams struct {
	Type    MessageType         `json:"type"`
	Message string              `json:"message"`
	Actions []MessageActionItem `json:"actions,omitempty"`
}

// Diagnostics

type DiagnosticSeverity int

const (
	Error DiagnosticSeverity = iota + 1
	Warning
	Information
	Hint
)

type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     string             `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Version     *int32       `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

type ViolationDescriptionParams struct {
	Code string `json:"code"`
}

type ViolationDescription struct {
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// AI chat

type ChatCreateParams struct {
	Title string `json:"title,omitempty"`
}

type ChatCreateResult struct {
	ChatID string `json:"chatId"`
}

type ChatSendParams struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type ChatParams struct {
	ChatID string `json:"chatId"`
}

type ChatUpdateParams struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
	Done   bool   `json:"done"`
}

// Annotations

type Annotation struct {
	ID     string      `json:"id,omitempty"`
	URI    DocumentURI `json:"uri"`
	Line   uint32      `json:"line"`
	Text   string      `json:"text"`
	Author string      `json:"author,omitempty"`
}

type AnnotationsListParams struct {
	URI DocumentURI `json:"uri,omitempty"`
}

type AnnotationParams struct {
	ID string `json:"id"`
}

type AnnotationsRefreshParams struct {
	URI DocumentURI `json:"uri"`
}

// Graphs

type GraphInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type GraphsListParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type GraphsDrawParams struct {
	Name         string                 `json:"name"`
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type GraphsDrawResult struct {
	Format  string `json:"format"`
	Content string `json:"content"`
}
