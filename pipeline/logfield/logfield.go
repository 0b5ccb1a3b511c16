package logfield

const (
	JobID              = "jobID"
	TaskID             = "taskID"
	TaskType           = "taskType"
	DataSourceID       = "dataSourceID"
	DataSourceName     = "dataSourceName"
	Status             = "status"
	TableName          = "tableName"
	Rows               = "rows"
	Attempt            = "attempt"
	Backoff            = "backoff"
	ErrorKind          = "errorKind"
	Phase              = "phase"
	Mode               = "mode"
	Cutoff             = "cutoff"
	Deleted            = "deleted"
	Host               = "host"
	Database           = "database"
	Query              = "query"
	QueryExecutionTime = "queryExecutionTime"
	Queue              = "queue"
)
