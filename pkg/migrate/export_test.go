package migrate

var Embedded = embedded
