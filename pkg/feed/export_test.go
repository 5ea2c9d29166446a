package feed

// MaxContentLengthForTest exposes maxContentLength to external tests.
const MaxContentLengthForTest = maxContentLength
