package types

import "fmt"

// DatasetKey names the dataset variant a task should run for the given job
// type. Unknown job types yield "".
//
//	COMPUTE -> id_<id>_fp_<fingerprint>
//	GET     -> id_<id>_fp_<fingerprint>_get
//	PUT     -> id_<id>_fp_<fingerprint>_put
func DatasetKey(datasetID int64, fingerprint uint64, jobType JobType) string {
	base := fmt.Sprintf("id_%d_fp_%d", datasetID, fingerprint)
	switch jobType {
	case JobTypeCompute:
		return base
	case JobTypeGet:
		return base + "_get"
	case JobTypePut:
		return base + "_put"
	}
	return ""
}
