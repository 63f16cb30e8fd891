package mongodb

const (
	CodesCollection = "authorization_codes"
	UsersCollection = "users"
)
