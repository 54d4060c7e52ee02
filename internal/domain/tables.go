package domain

var Tables = []interface{}{
	&WhatsAppInstance{},
	&WhatsAppSession{},
	&WhatsAppMessage{},
}
