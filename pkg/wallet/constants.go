package wallet

const (
	operationCredit = "credit"
	operationDebit  = "debit"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultListLimit = 50
	maxListLimit     = 200
)
