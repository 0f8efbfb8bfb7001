package api

import "time"

type Status struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type TagStatus struct {
	Tag        string    `json:"tag"`
	Stage      string    `json:"stage"`
	Completed  bool      `json:"completed"`
	Scheduled  bool      `json:"scheduled"`
	Attempts   int       `json:"attempts,omitempty"`
	OutputDir  string    `json:"output_dir,omitempty"`
	Error      string    `json:"error,omitempty"`
	Locked     bool      `json:"locked,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	StageSince time.Time `json:"stage_since"`
}

type WatcherStatus struct {
	Running   bool      `json:"running"`
	Source    string    `json:"source"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type StatusResponse struct {
	Status

	Watcher *WatcherStatus `json:"watcher,omitempty"`
	Tags    []TagStatus    `json:"tags"`
}

type TagResponse struct {
	Status

	Tag *TagStatus `json:"tag,omitempty"`
}
