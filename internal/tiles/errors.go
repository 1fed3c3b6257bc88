package tiles

import "fmt"

// TileFetchError aborts a layer whose FailOnError flag is set.
type TileFetchError struct {
	Layer      string
	Column     int
	Row        int
	StatusCode int
	Err        error
}

func (e *TileFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tile %s %d/%d: %v", e.Layer, e.Column, e.Row, e.Err)
	}
	return fmt.Sprintf("tile %s %d/%d: status %d", e.Layer, e.Column, e.Row, e.StatusCode)
}

func (e *TileFetchError) Unwrap() error { return e.Err }
