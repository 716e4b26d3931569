package storage

type SizeResponse struct {
	Size int64 `json:"size"`
}

type ReadResponse struct {
	Data string `json:"data"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type RegisterResponse struct {
	Files []string `json:"files"`
}
