package config

type WorkerKeyStruct struct {
	PersistAnswersQueue       string
	PersistProctorEventsQueue string
	PersistSubmissionsQueue   string
	PersistRecordingsQueue    string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:       "persist_answers_queue",
	PersistProctorEventsQueue: "persist_proctor_events_queue",
	PersistSubmissionsQueue:   "persist_submissions_queue",
	PersistRecordingsQueue:    "persist_recordings_queue",
}
