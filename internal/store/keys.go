package store

// Keyspace helpers for record storage.
//
// Layout (byte-wise, lexicographically sortable):
// - own/{owner}/job/{job_id}          Job record (owner-partitioned)
// - own/{owner}/img/{image_id}        owner image index (image ids are KSUIDs,
//                                     so the index is time-ordered)
// - jobstatus/{status}/{job_id}       job status index (value: owner id)
// - img/{image_id}                    Image record
// - rpt/{image_id}/{report_id}        Report record

const (
	ownerPrefix     = "own/"
	jobSeg          = "/job/"
	imgSeg          = "/img/"
	jobStatusPrefix = "jobstatus/"
	imagePrefix     = "img/"
	reportPrefix    = "rpt/"
)

// JobKey builds the key for a job record.
func JobKey(owner, jobID string) []byte {
	k := make([]byte, 0, len(ownerPrefix)+len(owner)+len(jobSeg)+len(jobID))
	k = append(k, ownerPrefix...)
	k = append(k, owner...)
	k = append(k, jobSeg...)
	k = append(k, jobID...)
	return k
}

// JobStatusKey builds the status index key for a job.
func JobStatusKey(status JobStatus, jobID string) []byte {
	k := make([]byte, 0, len(jobStatusPrefix)+len(status)+1+len(jobID))
	k = append(k, jobStatusPrefix...)
	k = append(k, status...)
	k = append(k, '/')
	k = append(k, jobID...)
	return k
}

// JobStatusPrefix returns the scan prefix for all jobs in a given status.
func JobStatusPrefix(status JobStatus) []byte {
	k := make([]byte, 0, len(jobStatusPrefix)+len(status)+1)
	k = append(k, jobStatusPrefix...)
	k = append(k, status...)
	k = append(k, '/')
	return k
}

// ImageKey builds the key for an image record.
func ImageKey(imageID string) []byte {
	k := make([]byte, 0, len(imagePrefix)+len(imageID))
	k = append(k, imagePrefix...)
	k = append(k, imageID...)
	return k
}

// OwnerImageKey builds the owner index key for an image.
func OwnerImageKey(owner, imageID string) []byte {
	k := make([]byte, 0, len(ownerPrefix)+len(owner)+len(imgSeg)+len(imageID))
	k = append(k, ownerPrefix...)
	k = append(k, owner...)
	k = append(k, imgSeg...)
	k = append(k, imageID...)
	return k
}

// OwnerImagePrefix returns the scan prefix for an owner's image index.
func OwnerImagePrefix(owner string) []byte {
	k := make([]byte, 0, len(ownerPrefix)+len(owner)+len(imgSeg))
	k = append(k, ownerPrefix...)
	k = append(k, owner...)
	k = append(k, imgSeg...)
	return k
}

// ReportKey builds the key for a report record.
func ReportKey(imageID, reportID string) []byte {
	k := make([]byte, 0, len(reportPrefix)+len(imageID)+1+len(reportID))
	k = append(k, reportPrefix...)
	k = append(k, imageID...)
	k = append(k, '/')
	k = append(k, reportID...)
	return k
}

// ReportPrefix returns the scan prefix for all reports against an image.
func ReportPrefix(imageID string) []byte {
	k := make([]byte, 0, len(reportPrefix)+len(imageID)+1)
	k = append(k, reportPrefix...)
	k = append(k, imageID...)
	k = append(k, '/')
	return k
}
